package domain

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed codecs.yaml
var codecsYAML []byte

// ContainerCodecs lists the codecs a container may carry.
type ContainerCodecs struct {
	Video []string `yaml:"video"`
	Audio []string `yaml:"audio"`
}

// CodecMatrix is the container/codec compatibility table.
type CodecMatrix struct {
	Containers map[string]ContainerCodecs `yaml:"containers"`
}

var (
	matrixOnce sync.Once
	matrix     CodecMatrix
)

// Codecs returns the embedded compatibility matrix. The embedded table
// is authoritative; a parse failure is a build defect and panics.
func Codecs() CodecMatrix {
	matrixOnce.Do(func() {
		if err := yaml.Unmarshal(codecsYAML, &matrix); err != nil {
			panic(fmt.Sprintf("domain: embedded codec matrix: %v", err))
		}
	})
	return matrix
}

// KnownContainer reports whether the container appears in the matrix.
func (m CodecMatrix) KnownContainer(container string) bool {
	_, ok := m.Containers[strings.ToLower(container)]
	return ok
}

// VideoAllowed reports whether codec may be muxed into container.
func (m CodecMatrix) VideoAllowed(container, codec string) bool {
	cc, ok := m.Containers[strings.ToLower(container)]
	return ok && contains(cc.Video, strings.ToLower(codec))
}

// AudioAllowed reports whether codec may be muxed into container.
func (m CodecMatrix) AudioAllowed(container, codec string) bool {
	cc, ok := m.Containers[strings.ToLower(container)]
	return ok && contains(cc.Audio, strings.ToLower(codec))
}

// CheckOperation validates one operation's codecs against the target
// container. Empty codec params pass; the transcoder picks defaults.
func (m CodecMatrix) CheckOperation(container string, op Operation) error {
	if !m.KnownContainer(container) {
		return fmt.Errorf("op=domain.CheckOperation: container %q: %w", container, ErrInvalidArgument)
	}
	if vc := op.VideoCodec(); vc != "" && !m.VideoAllowed(container, vc) {
		return fmt.Errorf("op=domain.CheckOperation: video codec %q not allowed in %q: %w", vc, container, ErrConflict)
	}
	if ac := op.AudioCodec(); ac != "" && !m.AudioAllowed(container, ac) {
		return fmt.Errorf("op=domain.CheckOperation: audio codec %q not allowed in %q: %w", ac, container, ErrConflict)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
