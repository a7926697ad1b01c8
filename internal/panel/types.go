package panel

import (
	"bytes"
	"encoding/json"
	"time"
)

// envelope — общий ответ 3x-ui: {"success":true,"msg":"","obj":...}
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type InboundClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"`
	SubID      string `json:"subId,omitempty"`
	Flow       string `json:"flow"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	Reset      int    `json:"reset"`
}

// Expiry возвращает срок клиента; нулевой или отрицательный expiryTime в 3x-ui
// означает «без срока» либо отложенный старт, для продления это «сейчас»
func (c *InboundClient) Expiry() time.Time {
	if c.ExpiryTime <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ExpiryTime).UTC()
}

type InboundSettings struct {
	Clients    []InboundClient `json:"clients"`
	Decryption string          `json:"decryption,omitempty"`
}

type RealitySettings struct {
	ServerNames []string `json:"serverNames"`
	ShortIDs    []string `json:"shortIds"`
	PrivateKey  string   `json:"privateKey"`
	Settings    struct {
		PublicKey   string `json:"publicKey"`
		Fingerprint string `json:"fingerprint"`
		SpiderX     string `json:"spiderX"`
	} `json:"settings"`
}

type TLSSettings struct {
	ServerName string `json:"serverName"`
}

type StreamSettings struct {
	Network  string           `json:"network"`
	Security string           `json:"security"`
	Reality  *RealitySettings `json:"realitySettings,omitempty"`
	TLS      *TLSSettings     `json:"tlsSettings,omitempty"`
}

type Inbound struct {
	ID       int
	Remark   string
	Enable   bool
	Port     int
	Protocol string
	Settings InboundSettings
	Stream   StreamSettings
}

// FindClient ищет клиента по email
func (in *Inbound) FindClient(email string) (*InboundClient, bool) {
	for i := range in.Settings.Clients {
		if in.Settings.Clients[i].Email == email {
			c := in.Settings.Clients[i]
			return &c, true
		}
	}
	return nil, false
}

type rawInbound struct {
	ID             int             `json:"id"`
	Remark         string          `json:"remark"`
	Enable         bool            `json:"enable"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       json.RawMessage `json:"settings"`
	StreamSettings json.RawMessage `json:"streamSettings"`
}

func (r rawInbound) decode() (*Inbound, error) {
	in := &Inbound{ID: r.ID, Remark: r.Remark, Enable: r.Enable, Port: r.Port, Protocol: r.Protocol}
	if err := decodeEmbedded(r.Settings, &in.Settings); err != nil {
		return nil, err
	}
	if err := decodeEmbedded(r.StreamSettings, &in.Stream); err != nil {
		return nil, err
	}
	return in, nil
}

// decodeEmbedded: панель отдаёт settings строкой с JSON внутри, некоторые сборки объектом
func decodeEmbedded(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), v)
	}
	return json.Unmarshal(raw, v)
}

// clientPayload: тело addClient/updateClient: settings передаются строкой
type clientPayload struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

func newClientPayload(inboundID int, clients ...InboundClient) (clientPayload, error) {
	b, err := json.Marshal(InboundSettings{Clients: clients})
	if err != nil {
		return clientPayload{}, err
	}
	return clientPayload{ID: inboundID, Settings: string(b)}, nil
}
