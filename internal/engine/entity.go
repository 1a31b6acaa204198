package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/persistence"
)

// Entity operation names.
const (
	OpFind    = "find"
	OpPersist = "persist"
	OpMerge   = "merge"
	OpRemove  = "remove"
)

// EntityOp is work performing one entity store operation. A missing entity
// (find, remove) or a taken key (persist) is a business failure: the
// transaction is marked rollback-only and Result reports the reason.
//
// Result may be read once the task is terminal.
type EntityOp struct {
	op   string
	kind string
	id   string
	body json.RawMessage

	entity *model.Entity
	reason error
}

var _ Work = (*EntityOp)(nil)

// FindEntity loads kind/id.
func FindEntity(kind, id string) *EntityOp {
	return &EntityOp{op: OpFind, kind: kind, id: id}
}

// PersistEntity creates kind/id with body.
func PersistEntity(kind, id string, body json.RawMessage) *EntityOp {
	return &EntityOp{op: OpPersist, kind: kind, id: id, body: body}
}

// MergeEntity creates or replaces kind/id with body.
func MergeEntity(kind, id string, body json.RawMessage) *EntityOp {
	return &EntityOp{op: OpMerge, kind: kind, id: id, body: body}
}

// RemoveEntity deletes kind/id.
func RemoveEntity(kind, id string) *EntityOp {
	return &EntityOp{op: OpRemove, kind: kind, id: id}
}

// Name is the task name used for the operation.
func (o *EntityOp) Name() string {
	return "entity." + o.op
}

// Result returns the entity produced by the operation and, for a business
// failure, its reason.
func (o *EntityOp) Result() (*model.Entity, error) {
	return o.entity, o.reason
}

func (o *EntityOp) DoTask(ctx context.Context, em *persistence.EntityManager) error {
	var err error
	switch o.op {
	case OpFind:
		o.entity, err = em.Find(ctx, o.kind, o.id)
	case OpPersist:
		o.entity, err = em.Persist(ctx, o.kind, o.id, o.body)
	case OpMerge:
		o.entity, err = em.Merge(ctx, o.kind, o.id, o.body)
	case OpRemove:
		err = em.Remove(ctx, o.kind, o.id)
	default:
		return errors.New("unknown entity operation " + o.op)
	}

	if errors.Is(err, persistence.ErrEntityNotFound) || errors.Is(err, persistence.ErrEntityExists) ||
		errors.Is(err, persistence.ErrInvalidKey) {
		o.reason = err
		return em.Transaction().SetRollbackOnly()
	}
	return err
}

func (o *EntityOp) OnPostExecute(bool) {}

func (o *EntityOp) OnRollback(error) {}
