package webhook

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

func guardResolving(addrs ...string) *Guard {
	return &Guard{LookupIP: func(_ context.Context, _ string) ([]netip.Addr, error) {
		out := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.MustParseAddr(a))
		}
		return out, nil
	}}
}

func TestGuardRejectsLiteralForbiddenAddrs(t *testing.T) {
	t.Parallel()
	g := NewGuard()

	for _, raw := range []string{
		"http://127.0.0.1:22/hook",
		"http://10.1.2.3/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://100.64.0.1/hook",
		"http://192.0.2.10/hook",
		"http://0.0.0.0/hook",
		"http://[::1]/hook",
		"http://[fd00::1]/hook",
		"http://[::ffff:127.0.0.1]/hook",
	} {
		err := g.Validate(context.Background(), raw)
		require.Error(t, err, raw)
		assert.Equal(t, domain.CodeWebhookForbidden, domain.CodeOf(err), raw)
	}
}

func TestGuardRejectsNonHTTPSchemes(t *testing.T) {
	t.Parallel()
	g := NewGuard()
	for _, raw := range []string{
		"ftp://example.com/hook",
		"file:///etc/passwd",
		"//example.com/hook",
		"not a url",
	} {
		assert.True(t, ErrForbidden(g.Validate(context.Background(), raw)), raw)
	}
}

func TestGuardChecksEveryResolvedAddr(t *testing.T) {
	t.Parallel()
	// One public answer plus one rebound private answer: reject.
	g := guardResolving("93.184.216.34", "10.0.0.5")
	err := g.Validate(context.Background(), "https://hooks.example.com/cb")
	require.Error(t, err)
	assert.Equal(t, domain.CodeWebhookForbidden, domain.CodeOf(err))
}

func TestGuardAllowsPublicTargets(t *testing.T) {
	t.Parallel()
	g := guardResolving("93.184.216.34", "2606:2800:220:1::1")
	require.NoError(t, g.Validate(context.Background(), "https://hooks.example.com/cb"))
}

func TestGuardRejectsUnresolvableHost(t *testing.T) {
	t.Parallel()
	g := guardResolving()
	assert.True(t, ErrForbidden(g.Validate(context.Background(), "https://nxdomain.example/cb")))
}

func TestSignIsDeterministic(t *testing.T) {
	t.Parallel()
	body := []byte(`{"event":"completed"}`)
	assert.Equal(t, Sign("s3cret", body), Sign("s3cret", body))
	assert.NotEqual(t, Sign("s3cret", body), Sign("other", body))
}
