package engine_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/txexec/internal/engine"
	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/persistence"
)

func TestEntityOps(t *testing.T) {
	e := newEnv(t, engine.DeliveryLoop)
	body := json.RawMessage(`{"owner":"kim","balance":10}`)

	persist := engine.PersistEntity("account", "a1", body)
	x := run(t, e, persist)
	assert.Equal(t, model.StatusFinished, x.Status())
	ent, reason := persist.Result()
	require.NoError(t, reason)
	assert.Equal(t, int64(1), ent.Version)

	dup := engine.PersistEntity("account", "a1", body)
	x = run(t, e, dup)
	assert.Equal(t, model.StatusFailed, x.Status())
	_, reason = dup.Result()
	assert.ErrorIs(t, reason, persistence.ErrEntityExists)

	merge := engine.MergeEntity("account", "a1", json.RawMessage(`{"owner":"kim","balance":20}`))
	run(t, e, merge)
	ent, _ = merge.Result()
	require.NotNil(t, ent)
	assert.Equal(t, int64(2), ent.Version)

	find := engine.FindEntity("account", "a1")
	run(t, e, find)
	ent, reason = find.Result()
	require.NoError(t, reason)
	var acc account
	require.NoError(t, persistence.Decode(ent, &acc))
	assert.Equal(t, 20, acc.Balance)

	remove := engine.RemoveEntity("account", "a1")
	x = run(t, e, remove)
	assert.Equal(t, model.StatusFinished, x.Status())

	missing := engine.FindEntity("account", "a1")
	x = run(t, e, missing)
	assert.Equal(t, model.StatusFailed, x.Status())
	_, reason = missing.Result()
	assert.ErrorIs(t, reason, persistence.ErrEntityNotFound)
	assert.Equal(t, "entity.find", missing.Name())
}
