package model

import (
	"time"
)

// ChatStatus reports how far a secret chat got.
type ChatStatus int

const (
	ChatNone ChatStatus = iota
	ChatRequested
	ChatActive
)

func (s ChatStatus) String() string {
	switch s {
	case ChatRequested:
		return "requested"
	case ChatActive:
		return "active"
	default:
		return "none"
	}
}

// RekeyPhase is the tag of RekeyState.
type RekeyPhase int

const (
	RekeyIdle RekeyPhase = iota
	RekeyRequested
	RekeyAccepted
)

func (p RekeyPhase) String() string {
	switch p {
	case RekeyRequested:
		return "requested"
	case RekeyAccepted:
		return "accepted"
	default:
		return "idle"
	}
}

type (
	// SecretKey is the end-to-end key of a secret chat.
	SecretKey struct {
		AuthKey           [256]byte `json:"auth_key"`
		Fingerprint       int64     `json:"fingerprint"`
		VisualizationOrig []byte    `json:"visualization_orig"`
		Visualization46   []byte    `json:"visualization_46"`
	}

	// RekeyState holds at most one in-flight exchange. Secret is set while
	// Requested, Pending while Accepted.
	RekeyState struct {
		Phase      RekeyPhase `json:"phase"`
		ExchangeID int64      `json:"exchange_id,omitempty"`
		Secret     []byte     `json:"secret,omitempty"`
		Pending    *SecretKey `json:"pending,omitempty"`
	}

	SecretChat struct {
		ID         int        `json:"id"`
		AccessHash int64      `json:"access_hash"`
		PeerID     int64      `json:"peer_id"`
		Admin      bool       `json:"admin"`
		Key        SecretKey  `json:"key"`
		InSeqNoX   int        `json:"in_seq_no_x"`
		OutSeqNoX  int        `json:"out_seq_no_x"`
		InCount    int        `json:"in_count"`
		OutCount   int        `json:"out_count"`
		Layer      int        `json:"layer"`
		TTL        int        `json:"ttl"`
		TTR        int        `json:"ttr"`
		CreatedAt  time.Time  `json:"created_at"`
		UpdatedAt  time.Time  `json:"updated_at"`
		Rekey      RekeyState `json:"rekey"`
	}

	// RequestedChat is a chat we initiated and that the peer has not
	// accepted yet.
	RequestedChat struct {
		ID         int    `json:"id"`
		AccessHash int64  `json:"access_hash"`
		PeerID     int64  `json:"peer_id"`
		Secret     []byte `json:"secret"`
	}

	// DHConfig is the cached result of messages.getDhConfig.
	DHConfig struct {
		G       int    `json:"g"`
		P       []byte `json:"p"`
		Version int    `json:"version"`
	}
)
