// Copyright 2024 The myiot-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package attributes

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps upserted records keyed the way the durable store does.
type fakeStore struct {
	records map[string]Record
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record)}
}

func (f *fakeStore) UpsertBatch(_ context.Context, records []Record) error {
	if f.err != nil {
		return f.err
	}
	for _, r := range records {
		f.records[r.DeviceID.String()+"/"+r.Key+"/"+r.Scope.String()] = r
	}
	return nil
}

func (f *fakeStore) GetByDevice(_ context.Context, deviceID uuid.UUID, scope *Scope) ([]Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Record
	for _, r := range f.records {
		if r.DeviceID != deviceID {
			continue
		}
		if scope != nil && r.Scope != *scope {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func TestSaveCanonicalizesValues(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	deviceID := uuid.New()

	values := map[string]json.RawMessage{
		"firmware": json.RawMessage(`  "2.1.0"  `),
		"location": json.RawMessage("{\n  \"lat\": 41.3,\n  \"lon\": 69.2\n}"),
		"enabled":  json.RawMessage(`true`),
	}
	require.NoError(t, svc.Save(context.Background(), deviceID, values, ScopeClient))

	records, err := svc.GetByDevice(context.Background(), deviceID, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)

	byKey := make(map[string]Record, len(records))
	for _, r := range records {
		byKey[r.Key] = r
	}
	// Stored values carry the compact encoding, whatever whitespace the
	// device sent.
	assert.Equal(t, `"2.1.0"`, byKey["firmware"].Value)
	assert.Equal(t, `{"lat":41.3,"lon":69.2}`, byKey["location"].Value)
	assert.Equal(t, `true`, byKey["enabled"].Value)
}

func TestSaveSharedTimestampAndScope(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	deviceID := uuid.New()

	values := map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
	}
	require.NoError(t, svc.Save(context.Background(), deviceID, values, ScopeShared))

	records, err := svc.GetByDevice(context.Background(), deviceID, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, records[0].UpdatedAt, records[1].UpdatedAt)
	assert.Equal(t, ScopeShared, records[0].Scope)
	assert.Equal(t, ScopeShared, records[1].Scope)
}

func TestSaveLastWriteWins(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	deviceID := uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.Save(ctx, deviceID, map[string]json.RawMessage{
		"firmware": json.RawMessage(`"2.0.0"`),
	}, ScopeClient))
	require.NoError(t, svc.Save(ctx, deviceID, map[string]json.RawMessage{
		"firmware": json.RawMessage(`"2.1.0"`),
	}, ScopeClient))

	records, err := svc.GetByDevice(ctx, deviceID, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `"2.1.0"`, records[0].Value)
}

func TestSaveScopesAreIndependent(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	deviceID := uuid.New()
	ctx := context.Background()

	// The same key in different scopes holds independent values.
	require.NoError(t, svc.Save(ctx, deviceID, map[string]json.RawMessage{
		"mode": json.RawMessage(`"reported"`),
	}, ScopeClient))
	require.NoError(t, svc.Save(ctx, deviceID, map[string]json.RawMessage{
		"mode": json.RawMessage(`"desired"`),
	}, ScopeServer))

	all, err := svc.GetByDevice(ctx, deviceID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	clientScope := ScopeClient
	clientOnly, err := svc.GetByDevice(ctx, deviceID, &clientScope)
	require.NoError(t, err)
	require.Len(t, clientOnly, 1)
	assert.Equal(t, `"reported"`, clientOnly[0].Value)
}

func TestSaveEmptyBatch(t *testing.T) {
	svc := NewService(newFakeStore())

	err := svc.Save(context.Background(), uuid.New(), nil, ScopeClient)
	assert.ErrorIs(t, err, ErrEmptyBatch)
	err = svc.Save(context.Background(), uuid.New(), map[string]json.RawMessage{}, ScopeClient)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestSaveInvalidValue(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	err := svc.Save(context.Background(), uuid.New(), map[string]json.RawMessage{
		"bad": json.RawMessage(`{truncated`),
	}, ScopeClient)
	require.Error(t, err)
	assert.Empty(t, store.records)
}

func TestSaveStoreError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("upsert failed")
	svc := NewService(store)

	err := svc.Save(context.Background(), uuid.New(), map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
	}, ScopeClient)
	assert.Error(t, err)
}

func TestScopeRoundTrip(t *testing.T) {
	for _, scope := range []Scope{ScopeClient, ScopeServer, ScopeShared} {
		parsed, err := ParseScope(scope.String())
		require.NoError(t, err)
		assert.Equal(t, scope, parsed)
	}

	_, err := ParseScope("CLIENT")
	assert.Error(t, err)
	_, err = ParseScope("")
	assert.Error(t, err)
}

func TestScopeJSON(t *testing.T) {
	data, err := json.Marshal(ScopeShared)
	require.NoError(t, err)
	assert.Equal(t, `"shared"`, string(data))

	var scope Scope
	require.NoError(t, json.Unmarshal([]byte(`"server"`), &scope))
	assert.Equal(t, ScopeServer, scope)

	assert.Error(t, json.Unmarshal([]byte(`"sideways"`), &scope))
	assert.Error(t, json.Unmarshal([]byte(`5`), &scope))
}
