package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"LeverLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed command.
// The same wire format is stored as the event-log payload, so recovery replays
// logged commands through this parser too.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return ParseCommand(eventType, raw.Data)
}

// ParseCommand decodes one snake_case JSON command of the named type.
func ParseCommand(eventType string, data []byte) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeCreateOpportunity:
		return parseCreateOpportunity(data)
	case event.EventTypeBuyTokens:
		return parseBuyTokens(data)
	case event.EventTypeCreatePositionChain:
		return parseCreatePositionChain(data)
	case event.EventTypeExtendChain:
		return parseExtendChain(data)
	case event.EventTypeLiquidateChain:
		return parseLiquidateChain(data)
	case event.EventTypeResolveOpportunity:
		return parseResolveOpportunity(data)
	case event.EventTypeClaimWinnings:
		return parseClaimWinnings(data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream relayers.

type headerJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us"`
}

type header struct {
	requestID uuid.UUID
	caller    common.Address
	timestamp time.Time
}

func (h headerJSON) parse() (header, error) {
	requestID, err := uuid.Parse(h.RequestID)
	if err != nil {
		return header{}, fmt.Errorf("parse request_id: %w", err)
	}
	if !common.IsHexAddress(h.Caller) {
		return header{}, fmt.Errorf("parse caller: invalid address %q", h.Caller)
	}
	if h.TimestampUs <= 0 {
		return header{}, fmt.Errorf("parse timestamp_us: must be positive, got %d", h.TimestampUs)
	}
	return header{
		requestID: requestID,
		caller:    common.HexToAddress(h.Caller),
		timestamp: time.UnixMicro(h.TimestampUs).UTC(),
	}, nil
}

func headerOf(requestID uuid.UUID, caller common.Address, ts time.Time) headerJSON {
	return headerJSON{
		RequestID:   requestID.String(),
		Caller:      caller.Hex(),
		TimestampUs: ts.UnixMicro(),
	}
}

type createOpportunityJSON struct {
	headerJSON
	Name             string `json:"name"`
	MetadataRef      string `json:"metadata_ref"`
	InitialLiquidity int64  `json:"initial_liquidity"`
}

func parseCreateOpportunity(data []byte) (*event.CreateOpportunity, error) {
	var j createOpportunityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateOpportunity: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.CreateOpportunity{
		RequestID:        h.requestID,
		Caller:           h.caller,
		Name:             j.Name,
		MetadataRef:      j.MetadataRef,
		InitialLiquidity: j.InitialLiquidity,
		Timestamp:        h.timestamp,
	}, nil
}

type tradeJSON struct {
	headerJSON
	OpportunityID uint64 `json:"opportunity_id"`
	Side          string `json:"side"` // "yes" or "no"
	Amount        int64  `json:"amount"`
}

func parseBuyTokens(data []byte) (*event.BuyTokens, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BuyTokens: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse side: %w", err)
	}
	return &event.BuyTokens{
		RequestID:     h.requestID,
		Caller:        h.caller,
		OpportunityID: j.OpportunityID,
		Side:          side,
		Amount:        j.Amount,
		Timestamp:     h.timestamp,
	}, nil
}

func parseCreatePositionChain(data []byte) (*event.CreatePositionChain, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreatePositionChain: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse side: %w", err)
	}
	return &event.CreatePositionChain{
		RequestID:     h.requestID,
		Caller:        h.caller,
		OpportunityID: j.OpportunityID,
		Side:          side,
		Amount:        j.Amount,
		Timestamp:     h.timestamp,
	}, nil
}

type extendChainJSON struct {
	headerJSON
	ChainID       uint64 `json:"chain_id"`
	OpportunityID uint64 `json:"opportunity_id"`
	Side          string `json:"side"`
}

func parseExtendChain(data []byte) (*event.ExtendChain, error) {
	var j extendChainJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExtendChain: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse side: %w", err)
	}
	return &event.ExtendChain{
		RequestID:     h.requestID,
		Caller:        h.caller,
		ChainID:       j.ChainID,
		OpportunityID: j.OpportunityID,
		Side:          side,
		Timestamp:     h.timestamp,
	}, nil
}

type liquidateChainJSON struct {
	headerJSON
	ChainID uint64 `json:"chain_id"`
}

func parseLiquidateChain(data []byte) (*event.LiquidateChain, error) {
	var j liquidateChainJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateChain: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.LiquidateChain{
		RequestID: h.requestID,
		Caller:    h.caller,
		ChainID:   j.ChainID,
		Timestamp: h.timestamp,
	}, nil
}

type resolveJSON struct {
	headerJSON
	OpportunityID uint64 `json:"opportunity_id"`
	Outcome       *bool  `json:"outcome"`
}

func parseResolveOpportunity(data []byte) (*event.ResolveOpportunity, error) {
	var j resolveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ResolveOpportunity: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	if j.Outcome == nil {
		return nil, fmt.Errorf("parse ResolveOpportunity: outcome is required")
	}
	return &event.ResolveOpportunity{
		RequestID:     h.requestID,
		Caller:        h.caller,
		OpportunityID: j.OpportunityID,
		Outcome:       *j.Outcome,
		Timestamp:     h.timestamp,
	}, nil
}

type claimJSON struct {
	headerJSON
	OpportunityID uint64 `json:"opportunity_id"`
}

func parseClaimWinnings(data []byte) (*event.ClaimWinnings, error) {
	var j claimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimWinnings: %w", err)
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.ClaimWinnings{
		RequestID:     h.requestID,
		Caller:        h.caller,
		OpportunityID: j.OpportunityID,
		Timestamp:     h.timestamp,
	}, nil
}

// EncodeCommand is the inverse of ParseCommand. It produces the event-log
// payload and the body relayers publish on the command subjects.
func EncodeCommand(cmd event.Event) ([]byte, error) {
	var v interface{}
	switch c := cmd.(type) {
	case *event.CreateOpportunity:
		v = createOpportunityJSON{
			headerJSON:       headerOf(c.RequestID, c.Caller, c.Timestamp),
			Name:             c.Name,
			MetadataRef:      c.MetadataRef,
			InitialLiquidity: c.InitialLiquidity,
		}
	case *event.BuyTokens:
		v = tradeJSON{
			headerJSON:    headerOf(c.RequestID, c.Caller, c.Timestamp),
			OpportunityID: c.OpportunityID,
			Side:          c.Side.String(),
			Amount:        c.Amount,
		}
	case *event.CreatePositionChain:
		v = tradeJSON{
			headerJSON:    headerOf(c.RequestID, c.Caller, c.Timestamp),
			OpportunityID: c.OpportunityID,
			Side:          c.Side.String(),
			Amount:        c.Amount,
		}
	case *event.ExtendChain:
		v = extendChainJSON{
			headerJSON:    headerOf(c.RequestID, c.Caller, c.Timestamp),
			ChainID:       c.ChainID,
			OpportunityID: c.OpportunityID,
			Side:          c.Side.String(),
		}
	case *event.LiquidateChain:
		v = liquidateChainJSON{
			headerJSON: headerOf(c.RequestID, c.Caller, c.Timestamp),
			ChainID:    c.ChainID,
		}
	case *event.ResolveOpportunity:
		outcome := c.Outcome
		v = resolveJSON{
			headerJSON:    headerOf(c.RequestID, c.Caller, c.Timestamp),
			OpportunityID: c.OpportunityID,
			Outcome:       &outcome,
		}
	case *event.ClaimWinnings:
		v = claimJSON{
			headerJSON:    headerOf(c.RequestID, c.Caller, c.Timestamp),
			OpportunityID: c.OpportunityID,
		}
	default:
		return nil, fmt.Errorf("encode: unsupported command %T", cmd)
	}
	return json.Marshal(v)
}
