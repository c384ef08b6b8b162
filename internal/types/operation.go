package types

import (
	"fmt"

	"github.com/google/uuid"
)

// OperationKind tags the variant of an Operation.
type OperationKind int

const (
	OpCreate OperationKind = iota
	OpUpdate
	OpUpsert
	OpDelete
	OpAssociate
	OpDisassociate
)

func (k OperationKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpAssociate:
		return "associate"
	case OpDisassociate:
		return "disassociate"
	default:
		return "unknown"
	}
}

// Operation is one per-record write. It is a tagged variant: Record is set
// for Create/Update/Upsert, KeyFields only for Upsert, the relationship
// fields only for Associate/Disassociate, and Delete needs only Entity+ID.
type Operation struct {
	Kind   OperationKind
	Entity string

	// RowRef is the caller's stable row identifier (CSV row number, record
	// id, ...) used for error attribution. Never interpreted by the engine.
	RowRef string

	Record    *Record
	KeyFields []string // Upsert alternate-key fields

	ID uuid.UUID // Delete target

	// Associate / Disassociate
	Relationship string
	SourceID     uuid.UUID
	TargetEntity string
	TargetID     uuid.UUID
}

// TargetDescription renders a short human label for logs and errors.
func (op *Operation) TargetDescription() string {
	switch op.Kind {
	case OpAssociate, OpDisassociate:
		return fmt.Sprintf("%s %s/%s -> %s/%s", op.Relationship, op.Entity, op.SourceID, op.TargetEntity, op.TargetID)
	case OpDelete:
		return fmt.Sprintf("%s/%s", op.Entity, op.ID)
	default:
		if op.Record != nil {
			return fmt.Sprintf("%s/%s", op.Entity, op.Record.ID)
		}
		return op.Entity
	}
}

// RecordID returns the id the operation addresses, if any.
func (op *Operation) RecordID() uuid.UUID {
	switch op.Kind {
	case OpDelete:
		return op.ID
	case OpAssociate, OpDisassociate:
		return op.SourceID
	default:
		if op.Record != nil {
			return op.Record.ID
		}
		return uuid.Nil
	}
}

// Idempotent reports whether re-executing the operation is safe without
// remote request deduplication.
func (op *Operation) Idempotent() bool {
	switch op.Kind {
	case OpUpsert, OpUpdate, OpDelete, OpAssociate, OpDisassociate:
		return true
	default:
		return false
	}
}

// Batch is an ordered sequence of operations targeting one entity, sent as
// a single remote call.
type Batch struct {
	Entity string
	Ops    []*Operation
}

// BatchSizeDefault and the clamp bounds for executor batch sizing.
const (
	BatchSizeDefault = 100
	BatchSizeMin     = 1
	BatchSizeMax     = 1000
)

// ClampBatchSize normalizes a requested batch size into the allowed range,
// mapping zero to the default.
func ClampBatchSize(n int) int {
	switch {
	case n == 0:
		return BatchSizeDefault
	case n < BatchSizeMin:
		return BatchSizeMin
	case n > BatchSizeMax:
		return BatchSizeMax
	default:
		return n
	}
}
