package persistence

import (
	"fmt"

	"LeverLedger/internal/core"
	"LeverLedger/internal/ingestion"
)

// CoreOutput is one committed command in row form.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// FromCore converts a core output into the rows the worker writes.
func FromCore(out core.CoreOutput) (CoreOutput, error) {
	payload, err := ingestion.EncodeCommand(out.Command)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("encode command seq=%d: %w", out.Envelope.Sequence, err)
	}

	env := out.Envelope
	var opportunityID *int64
	if env.OpportunityID != nil {
		id := int64(*env.OpportunityID)
		opportunityID = &id
	}

	row := CoreOutput{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			OpportunityID:  opportunityID,
			Caller:         env.Caller.Hex(),
			Payload:        payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			TimestampUs:    env.Timestamp.UnixMicro(),
		},
	}
	if env.UnconfirmedTx != "" {
		tx := env.UnconfirmedTx
		row.EventRow.UnconfirmedTx = &tx
	}

	if out.Batch != nil {
		row.JournalRows = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			row.JournalRows = append(row.JournalRows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				TimestampUs:   j.Timestamp,
			})
		}
	}

	return row, nil
}
