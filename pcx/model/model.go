// Package model holds the row and event shapes shared by pcx/audit,
// pcx/events and pcx/control — the persisted/broadcast view of a bridge,
// as opposed to pcx/bridge's live in-memory one.
package model

import (
	"fmt"
	"net/netip"

	"proxychains/pcx/common/ttime"
)

// BridgeTrafficLog is one day-sharded row, grounded on the teacher's
// model.TrafficLog — narrowed to this spec's fields (no username/listener,
// this redirector has no authenticated users or multiple listen sockets;
// chain replaces the teacher's single upstream address).
type BridgeTrafficLog struct {
	Id         int64  `gorm:"column:id"`
	Time       int64  `gorm:"column:time"` // unix millis
	FD         int    `gorm:"column:fd"`
	Direction  string `gorm:"column:direction"` // "up", "down", or "close"
	TargetAddr string `gorm:"column:target_addr"`
	TargetPort int    `gorm:"column:target_port"`
	ChainAddrs string `gorm:"column:chain_addrs"` // comma-joined proxy hops
	Bytes      int64  `gorm:"column:bytes"`
	Reason     string `gorm:"column:reason"` // set only on a "close" row
}

// BridgeTrafficTable names the day-sharded table, mirroring the teacher's
// model.TrafficTable(day string) exactly (e.g. day "20260731").
func BridgeTrafficTable(day string) string {
	return fmt.Sprintf("bridge_traffic_log_%s", day)
}

// BridgeEventKind enumerates the lifecycle events pcx/events fans out and
// pcx/audit records open/close transitions for.
type BridgeEventKind string

const (
	EventOpened     BridgeEventKind = "opened"
	EventDialFailed BridgeEventKind = "dial_failed"
	EventClosed     BridgeEventKind = "closed"
)

// BridgeEvent is the websocket/ledger payload for one bridge lifecycle
// transition.
type BridgeEvent struct {
	Kind      BridgeEventKind  `json:"kind"`
	FD        int              `json:"fd"`
	Target    netip.AddrPort   `json:"target"`
	Chain     []netip.AddrPort `json:"chain,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Up        int64            `json:"up,omitempty"`
	Down      int64            `json:"down,omitempty"`
	Timestamp ttime.TimeFormat `json:"timestamp"`
}
