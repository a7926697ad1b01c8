package panel

import (
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func realityInbound() *Inbound {
	return &Inbound{
		ID:       1,
		Port:     443,
		Protocol: "vless",
		Stream: StreamSettings{
			Network:  "tcp",
			Security: "reality",
			Reality: &RealitySettings{
				ServerNames: []string{"www.microsoft.com"},
				ShortIDs:    []string{"6ba85179e30d4fc2"},
			},
		},
	}
}

func TestVLESSLink_Reality(t *testing.T) {
	in := realityInbound()
	in.Stream.Reality.Settings.PublicKey = "PBK"
	cl := &InboundClient{ID: "11111111-2222-3333-4444-555555555555", Email: "nl-7-1@brand", Flow: "xtls-rprx-vision"}

	link, err := VLESSLink("203.0.113.5", in, cl)
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "vless", u.Scheme)
	assert.Equal(t, cl.ID, u.User.Username())
	assert.Equal(t, "203.0.113.5:443", u.Host)
	assert.Equal(t, "nl-7-1@brand", u.Fragment)

	q := u.Query()
	assert.Equal(t, "tcp", q.Get("type"))
	assert.Equal(t, "reality", q.Get("security"))
	assert.Equal(t, "PBK", q.Get("pbk"))
	assert.Equal(t, "chrome", q.Get("fp"))
	assert.Equal(t, "www.microsoft.com", q.Get("sni"))
	assert.Equal(t, "6ba85179e30d4fc2", q.Get("sid"))
	assert.Equal(t, "xtls-rprx-vision", q.Get("flow"))
}

func TestVLESSLink_DerivesPublicKey(t *testing.T) {
	priv := make([]byte, 32)
	for i := range priv {
		priv[i] = byte(i + 1)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	require.NoError(t, err)

	in := realityInbound()
	in.Stream.Reality.PrivateKey = base64.RawURLEncoding.EncodeToString(priv)

	link, err := VLESSLink("h", in, &InboundClient{ID: "id", Email: "e"})
	require.NoError(t, err)
	u, _ := url.Parse(link)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(pub), u.Query().Get("pbk"))

	in.Stream.Reality.PrivateKey = ""
	_, err = VLESSLink("h", in, &InboundClient{ID: "id", Email: "e"})
	assert.Error(t, err)
}

func TestVLESSLink_Plain(t *testing.T) {
	in := &Inbound{ID: 2, Port: 8443, Protocol: "vless", Stream: StreamSettings{Network: "ws", Security: "tls", TLS: &TLSSettings{ServerName: "vpn.example.org"}}}
	link, err := VLESSLink("vpn.example.org", in, &InboundClient{ID: "id", Email: "e"})
	require.NoError(t, err)
	u, _ := url.Parse(link)
	assert.Equal(t, "tls", u.Query().Get("security"))
	assert.Equal(t, "ws", u.Query().Get("type"))
	assert.Empty(t, u.Query().Get("flow"))
}

func TestBuildAccess_PrefersSubscription(t *testing.T) {
	in := realityInbound()
	in.Stream.Reality.Settings.PublicKey = "PBK"
	cl := &InboundClient{ID: "id", Email: "e", SubID: "abc"}

	got, err := BuildAccess(LinkTarget{Host: "1.2.3.4", SubPort: 2096, SubHost: "sub.example.org"}, in, cl)
	require.NoError(t, err)
	assert.Equal(t, "https://sub.example.org:2096/sub/abc", got)

	got, err = BuildAccess(LinkTarget{Host: "1.2.3.4"}, in, cl)
	require.NoError(t, err)
	assert.Contains(t, got, "vless://id@1.2.3.4:443")
}
