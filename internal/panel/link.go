package panel

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"

	"golang.org/x/crypto/curve25519"
)

// LinkTarget — то, что нужно знать о сервере для сборки ссылки
type LinkTarget struct {
	Host      string // IP или домен сервера
	SubScheme string
	SubHost   string
	SubPort   int
}

// BuildAccess возвращает ссылку подписки, если у сервера настроен порт подписки,
// иначе прямую vless-ссылку на клиента
func BuildAccess(t LinkTarget, in *Inbound, cl *InboundClient) (string, error) {
	if t.SubPort > 0 && cl.SubID != "" {
		return SubscriptionURL(t, cl.SubID), nil
	}
	return VLESSLink(t.Host, in, cl)
}

func SubscriptionURL(t LinkTarget, subID string) string {
	scheme := t.SubScheme
	if scheme == "" {
		scheme = "https"
	}
	host := t.SubHost
	if host == "" {
		host = t.Host
	}
	return fmt.Sprintf("%s://%s:%d/sub/%s", scheme, host, t.SubPort, url.PathEscape(subID))
}

func VLESSLink(host string, in *Inbound, cl *InboundClient) (string, error) {
	network := in.Stream.Network
	if network == "" {
		network = "tcp"
	}
	q := url.Values{}
	q.Set("type", network)

	switch in.Stream.Security {
	case "reality":
		r := in.Stream.Reality
		if r == nil {
			return "", fmt.Errorf("inbound %d: reality settings missing", in.ID)
		}
		pbk := r.Settings.PublicKey
		if pbk == "" {
			var err error
			if pbk, err = PublicKeyFromPrivate(r.PrivateKey); err != nil {
				return "", fmt.Errorf("inbound %d: %w", in.ID, err)
			}
		}
		fp := r.Settings.Fingerprint
		if fp == "" {
			fp = "chrome"
		}
		q.Set("security", "reality")
		q.Set("pbk", pbk)
		q.Set("fp", fp)
		if len(r.ServerNames) > 0 {
			q.Set("sni", r.ServerNames[0])
		}
		if len(r.ShortIDs) > 0 {
			q.Set("sid", r.ShortIDs[0])
		}
		if r.Settings.SpiderX != "" {
			q.Set("spx", r.Settings.SpiderX)
		}
		if cl.Flow != "" {
			q.Set("flow", cl.Flow)
		}
	case "tls":
		q.Set("security", "tls")
		if in.Stream.TLS != nil && in.Stream.TLS.ServerName != "" {
			q.Set("sni", in.Stream.TLS.ServerName)
		}
	default:
		q.Set("security", "none")
	}

	u := url.URL{
		Scheme:   "vless",
		User:     url.User(cl.ID),
		Host:     host + ":" + strconv.Itoa(in.Port),
		RawQuery: q.Encode(),
		Fragment: cl.Email,
	}
	return u.String(), nil
}

// PublicKeyFromPrivate выводит x25519 публичный ключ reality из приватного
// (оба в base64 raw url, как их хранит xray)
func PublicKeyFromPrivate(priv string) (string, error) {
	if priv == "" {
		return "", fmt.Errorf("reality private key is empty")
	}
	raw, err := base64.RawURLEncoding.DecodeString(priv)
	if err != nil {
		return "", fmt.Errorf("reality private key: %w", err)
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("reality private key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}
