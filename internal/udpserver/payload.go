package udpserver

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// PushDataPayload is the JSON body of a PushData frame. Both fields are
// optional at the protocol level, though in practice a packet-forwarder
// sends at least one.
type PushDataPayload struct {
	RxPk []RxPk `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// RxPk describes one received radio frame.
type RxPk struct {
	Tmst  uint32     `json:"tmst"`
	Time  string     `json:"time,omitempty"`
	Tmms  *int64     `json:"tmms,omitempty"`
	Chan  int        `json:"chan"`
	RFCh  int        `json:"rfch"`
	Freq  float64    `json:"freq"`
	Stat  int        `json:"stat"`
	Modu  string     `json:"modu"`
	DatR  string     `json:"datr"`
	CodR  string     `json:"codr"`
	LSNR  float64    `json:"lsnr,omitempty"`
	RSSI  int        `json:"rssi"`
	Size  int        `json:"size"`
	Data  string     `json:"data"`
	JVer  *int       `json:"jver,omitempty"`
	RSig  []RSig     `json:"rsig,omitempty"`
}

// RSig carries the per-antenna signal info added by packet-forwarders that
// speak "jver":2 framing.
type RSig struct {
	Ant   int     `json:"ant"`
	Chan  int     `json:"chan"`
	LSNR  float64 `json:"lsnr"`
	RSSIC int     `json:"rssic"`
}

// Stat describes a gateway status report.
type Stat struct {
	Time string  `json:"time"`
	Lati float64 `json:"lati,omitempty"`
	Long float64 `json:"long,omitempty"`
	Alti int     `json:"alti,omitempty"`
	RXNb int     `json:"rxnb"`
	RXOK int     `json:"rxok"`
	RXFW int     `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb int     `json:"dwnb"`
	TXNb int     `json:"txnb"`
}

// PullRespPayload is the JSON body of a PullResp frame.
type PullRespPayload struct {
	TxPk TxPk `json:"txpk"`
}

// TxPk describes a scheduled downlink transmission. It is treated as a
// serialize-only value by the runtime: the codec never inspects its fields
// beyond tmst's string/number polymorphism.
type TxPk struct {
	Imme bool      `json:"imme"`
	Tmst TmstValue `json:"tmst"`
	Tmms *int64    `json:"tmms,omitempty"`
	Freq float64   `json:"freq"`
	RFCh int       `json:"rfch"`
	Powe int       `json:"powe"`
	Modu string    `json:"modu"`
	DatR string    `json:"datr"`
	CodR string    `json:"codr"`
	IPol bool      `json:"ipol"`
	Prea *int      `json:"prea,omitempty"`
	Size int       `json:"size"`
	Data string    `json:"data"`
	FDev *int      `json:"fdev,omitempty"`
	NCRC *bool     `json:"ncrc,omitempty"`
}

// TxAckPayload is the JSON body of a TxAck frame.
type TxAckPayload struct {
	TXPKACK TxPkAck `json:"txpk_ack"`
}

// TxPkAck carries the gateway's transmission outcome. Error is "NONE" or
// empty on success, one of the defined transmission error codes otherwise.
type TxPkAck struct {
	Error string `json:"error,omitempty"`
}

// TmstValue is txpk.tmst: either a nonnegative integer (a scheduled
// concentrator timestamp in microseconds) or the literal string "immediate". Both shapes
// must round-trip bit-for-bit through JSON.
type TmstValue struct {
	immediate bool
	n         uint32
}

// Immediate returns the tmst value meaning "send as soon as possible".
func Immediate() TmstValue {
	return TmstValue{immediate: true}
}

// At returns the tmst value scheduling transmission at the given
// concentrator timestamp (microseconds).
func At(n uint32) TmstValue {
	return TmstValue{n: n}
}

// IsImmediate reports whether this value is the "immediate" sentinel.
func (t TmstValue) IsImmediate() bool {
	return t.immediate
}

// Value returns the scheduled timestamp; only meaningful when !IsImmediate().
func (t TmstValue) Value() uint32 {
	return t.n
}

const immediateLiteral = `"immediate"`

func (t TmstValue) MarshalJSON() ([]byte, error) {
	if t.immediate {
		return []byte(immediateLiteral), nil
	}
	return []byte(strconv.FormatUint(uint64(t.n), 10)), nil
}

func (t *TmstValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Wrap(err, "unmarshal tmst string error")
		}
		if s != "immediate" {
			return errors.Errorf("unmarshal tmst string error: unexpected value %q", s)
		}
		*t = TmstValue{immediate: true}
		return nil
	}
	var n uint32
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "unmarshal tmst number error")
	}
	*t = TmstValue{n: n}
	return nil
}
