// Package memstore is an in-process implementation of store.Store. It backs
// tests and the `--store memory` development mode; the hosted document store
// remains the system of record in production.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"

	"github.com/swcompose/operator/internal/store"
)

// linkSpec describes one directional relationship label.
type linkSpec struct {
	target  string // target entity
	reverse string // label on the target pointing back
	hasOne  bool   // forward side holds at most one target
}

// links maps entity → forward label → spec. Mirrors the schema the hosted
// store was provisioned with.
var links = map[string]map[string]linkSpec{
	store.EntityTasks: {
		"iterations":          {target: store.EntityIterations, reverse: "task"},
		"systemPrompt":        {target: store.EntityPrompts, reverse: "tasks", hasOne: true},
		"systemPromptVersion": {target: store.EntityPromptVersions, reverse: "tasks", hasOne: true},
	},
	store.EntityIterations: {
		"task":            {target: store.EntityTasks, reverse: "iterations", hasOne: true},
		"sessions":        {target: store.EntitySessions, reverse: "iterations"},
		"initialSnapshot": {target: store.EntityMorphSnapshots, reverse: "iterationsInitial", hasOne: true},
		"latestSnapshot":  {target: store.EntityMorphSnapshots, reverse: "iterationsLatest", hasOne: true},
		"activeInstance":  {target: store.EntityMorphInstances, reverse: "iterationsActive", hasOne: true},
	},
	store.EntitySessions: {
		"iterations": {target: store.EntityIterations, reverse: "sessions"},
		"messages":   {target: store.EntityMessages, reverse: "session"},
	},
	store.EntityMessages: {
		"session":      {target: store.EntitySessions, reverse: "messages", hasOne: true},
		"messageParts": {target: store.EntityMessageParts, reverse: "message"},
	},
	store.EntityMessageParts: {
		"message": {target: store.EntityMessages, reverse: "messageParts", hasOne: true},
	},
	store.EntityPrompts: {
		"versions": {target: store.EntityPromptVersions, reverse: "prompt"},
	},
	store.EntityPromptVersions: {
		"prompt":     {target: store.EntityPrompts, reverse: "versions", hasOne: true},
		"forkedFrom": {target: store.EntityPromptVersions, reverse: "forks", hasOne: true},
	},
	store.EntityPromptForks: {
		"originalPrompt":  {target: store.EntityPrompts, reverse: "forkedTo", hasOne: true},
		"originalVersion": {target: store.EntityPromptVersions, reverse: "forkedTo", hasOne: true},
		"newPrompt":       {target: store.EntityPrompts, reverse: "forkedFrom", hasOne: true},
	},
	store.EntityOAuthTokens: {
		"userProfile": {target: store.EntityUserProfiles, reverse: "oauthTokens", hasOne: true},
	},
	store.EntityUserProfiles: {
		"oauthTokens": {target: store.EntityOAuthTokens, reverse: "userProfile"},
	},
}

var knownEntities = map[string]bool{
	store.EntityTasks: true, store.EntityIterations: true,
	store.EntitySessions: true, store.EntityMessages: true,
	store.EntityMessageParts: true, store.EntityMorphSnapshots: true,
	store.EntityMorphInstances: true, store.EntityPrompts: true,
	store.EntityPromptVersions: true, store.EntityPromptForks: true,
	store.EntityOAuthTokens: true, store.EntityUserProfiles: true,
}

type record struct {
	id        string
	attrs     map[string]any
	createdAt time.Time
	// out maps forward label → target ids in link order.
	out map[string][]string
}

// Store is a mutex-guarded in-memory entity graph.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]map[string]*record
	seq     int64
	baseNow time.Time

	// now is swappable in tests for deterministic creation ordering.
	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	s := &Store{
		tables:  make(map[string]map[string]*record),
		baseNow: time.Now(),
	}
	for e := range knownEntities {
		s.tables[e] = make(map[string]*record)
	}
	// Strictly increasing timestamps even for writes in the same transaction,
	// so creation-order sorts are deterministic.
	s.now = func() time.Time {
		s.seq++
		return s.baseNow.Add(time.Duration(s.seq) * time.Microsecond)
	}
	return s
}

// NewID generates a client-side globally unique id.
func (s *Store) NewID() string {
	return uuid.NewString()
}

// Transact applies all ops atomically. Ops are validated in full before any
// state changes, so a bad op leaves the store untouched.
func (s *Store) Transact(_ context.Context, ops []store.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, op := range ops {
		if !knownEntities[op.Entity] {
			return fmt.Errorf("memstore: op %d: unknown entity %q", i, op.Entity)
		}
		if op.ID == "" && op.Lookup == nil {
			return fmt.Errorf("memstore: op %d: missing id and lookup", i)
		}
		for label, target := range op.Links {
			if _, ok := links[op.Entity][label]; !ok {
				return fmt.Errorf("memstore: op %d: unknown link %q on %q", i, label, op.Entity)
			}
			switch target.(type) {
			case string, store.Lookup, *store.Lookup:
			default:
				return fmt.Errorf("memstore: op %d: unsupported link target %T", i, target)
			}
		}
	}

	for _, op := range ops {
		rec := s.resolve(op)
		for k, v := range op.Set {
			rec.attrs[k] = v
		}
		for label, target := range op.Links {
			spec := links[op.Entity][label]
			targetID, err := s.resolveLinkTarget(spec.target, target)
			if err != nil {
				return err
			}
			if spec.hasOne {
				rec.out[label] = []string{targetID}
			} else if !contains(rec.out[label], targetID) {
				rec.out[label] = append(rec.out[label], targetID)
			}
			// Maintain the reverse edge so queries can walk either way.
			trec := s.tables[spec.target][targetID]
			rspec, ok := links[spec.target][spec.reverse]
			if ok && rspec.hasOne {
				trec.out[spec.reverse] = []string{rec.id}
			} else if !contains(trec.out[spec.reverse], rec.id) {
				trec.out[spec.reverse] = append(trec.out[spec.reverse], rec.id)
			}
		}
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// resolve finds or creates the record an op addresses.
func (s *Store) resolve(op store.Op) *record {
	table := s.tables[op.Entity]
	if op.Lookup != nil {
		for _, rec := range table {
			if rec.attrs[op.Lookup.Attr] == op.Lookup.Value {
				return rec
			}
		}
		rec := s.newRecord(uuid.NewString())
		rec.attrs[op.Lookup.Attr] = op.Lookup.Value
		table[rec.id] = rec
		return rec
	}
	if rec, ok := table[op.ID]; ok {
		return rec
	}
	rec := s.newRecord(op.ID)
	table[op.ID] = rec
	return rec
}

func (s *Store) resolveLinkTarget(entity string, target any) (string, error) {
	switch t := target.(type) {
	case string:
		if _, ok := s.tables[entity][t]; !ok {
			// Linking to a not-yet-written id inside the same transaction is
			// legal; materialize the record.
			s.tables[entity][t] = s.newRecord(t)
		}
		return t, nil
	case store.Lookup:
		rec := s.resolve(store.Op{Entity: entity, Lookup: &t})
		return rec.id, nil
	case *store.Lookup:
		rec := s.resolve(store.Op{Entity: entity, Lookup: t})
		return rec.id, nil
	default:
		return "", fmt.Errorf("memstore: unsupported link target %T", target)
	}
}

func (s *Store) newRecord(id string) *record {
	return &record{
		id:        id,
		attrs:     make(map[string]any),
		createdAt: s.now(),
		out:       make(map[string][]string),
	}
}

// decode maps a record's attributes into a typed entity struct.
func decode(rec *record, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "json",
	})
	if err != nil {
		return err
	}
	attrs := make(map[string]any, len(rec.attrs)+2)
	for k, v := range rec.attrs {
		attrs[k] = v
	}
	attrs["id"] = rec.id
	if _, ok := attrs["createdAt"]; !ok {
		attrs["createdAt"] = rec.createdAt
	}
	return dec.Decode(attrs)
}

func (s *Store) one(entity, id string) (*record, error) {
	rec, ok := s.tables[entity][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// linked returns the records reachable from rec via label, in link order.
func (s *Store) linked(rec *record, entity, label string) []*record {
	spec, ok := links[entity][label]
	if !ok {
		return nil
	}
	out := make([]*record, 0, len(rec.out[label]))
	for _, id := range rec.out[label] {
		if t, ok := s.tables[spec.target][id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// GetTask returns a task by id.
func (s *Store) GetTask(_ context.Context, taskID string) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.one(store.EntityTasks, taskID)
	if err != nil {
		return nil, err
	}
	var t store.Task
	if err := decode(rec, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskIterations returns the task's iterations newest first, each with its
// active-instance external id resolved.
func (s *Store) TaskIterations(_ context.Context, taskID string) ([]store.IterationRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, err := s.one(store.EntityTasks, taskID)
	if err != nil {
		return nil, err
	}
	iters := s.linked(task, store.EntityTasks, "iterations")
	refs := make([]store.IterationRef, 0, len(iters))
	for _, it := range iters {
		ref := store.IterationRef{IterationID: it.id, CreatedAt: it.createdAt}
		if st, ok := it.attrs["setupStatus"].(string); ok {
			ref.SetupStatus = st
		}
		if inst := s.linked(it, store.EntityIterations, "activeInstance"); len(inst) > 0 {
			if ext, ok := inst[0].attrs["externalMorphInstanceId"].(string); ok {
				ref.ExternalInstanceID = ext
			}
		}
		refs = append(refs, ref)
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].CreatedAt.After(refs[j].CreatedAt)
	})
	return refs, nil
}

// Conversation returns the session graph of the task's most recent
// iteration.
func (s *Store) Conversation(_ context.Context, taskID string) (*store.ConversationGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, err := s.one(store.EntityTasks, taskID)
	if err != nil {
		return nil, err
	}
	graph := &store.ConversationGraph{TaskID: taskID}
	iters := s.linked(task, store.EntityTasks, "iterations")
	if len(iters) == 0 {
		return graph, nil
	}
	current := iters[0]
	for _, it := range iters[1:] {
		if it.createdAt.After(current.createdAt) {
			current = it
		}
	}
	graph.IterationID = current.id
	if v, ok := current.attrs["machineName"].(string); ok {
		graph.MachineName = v
	}
	if v, ok := current.attrs["setupStatus"].(string); ok {
		graph.SetupStatus = v
	}

	for _, srec := range s.linked(current, store.EntityIterations, "sessions") {
		var sess store.Session
		if err := decode(srec, &sess); err != nil {
			return nil, err
		}
		sess.Messages = nil
		for _, mrec := range s.linked(srec, store.EntitySessions, "messages") {
			var msg store.Message
			if err := decode(mrec, &msg); err != nil {
				return nil, err
			}
			msg.Parts = nil
			for _, prec := range s.linked(mrec, store.EntityMessages, "messageParts") {
				var part store.MessagePart
				if err := decode(prec, &part); err != nil {
					return nil, err
				}
				msg.Parts = append(msg.Parts, part)
			}
			sort.SliceStable(msg.Parts, func(i, j int) bool {
				return msg.Parts[i].Order < msg.Parts[j].Order
			})
			sess.Messages = append(sess.Messages, msg)
		}
		sort.SliceStable(sess.Messages, func(i, j int) bool {
			return sess.Messages[i].CreatedAt.Before(sess.Messages[j].CreatedAt)
		})
		graph.Sessions = append(graph.Sessions, sess)
	}
	sort.SliceStable(graph.Sessions, func(i, j int) bool {
		return graph.Sessions[i].CreatedAt.After(graph.Sessions[j].CreatedAt)
	})
	return graph, nil
}

// TokenFor returns the credential for ref. A specific token id wins; then
// the user's own token; then any stored token, which is the shared-token
// development fallback.
func (s *Store) TokenFor(_ context.Context, ref store.TokenRef) (*store.OAuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref.TokenID != "" {
		rec, err := s.one(store.EntityOAuthTokens, ref.TokenID)
		if err != nil {
			return nil, err
		}
		var tok store.OAuthToken
		if err := decode(rec, &tok); err != nil {
			return nil, err
		}
		return &tok, nil
	}
	if ref.UserEmail != "" {
		for _, prec := range s.tables[store.EntityUserProfiles] {
			if prec.attrs["userEmail"] == ref.UserEmail {
				for _, trec := range s.linked(prec, store.EntityUserProfiles, "oauthTokens") {
					var tok store.OAuthToken
					if err := decode(trec, &tok); err != nil {
						return nil, err
					}
					return &tok, nil
				}
			}
		}
	}
	var any *record
	for _, trec := range s.tables[store.EntityOAuthTokens] {
		if any == nil || trec.createdAt.Before(any.createdAt) {
			any = trec
		}
	}
	if any == nil {
		return nil, store.ErrNotFound
	}
	var tok store.OAuthToken
	if err := decode(any, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// GetPrompt returns a prompt with its versions, newest version first.
func (s *Store) GetPrompt(_ context.Context, promptID string) (*store.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.one(store.EntityPrompts, promptID)
	if err != nil {
		return nil, err
	}
	return s.decodePrompt(rec)
}

func (s *Store) decodePrompt(rec *record) (*store.Prompt, error) {
	var p store.Prompt
	if err := decode(rec, &p); err != nil {
		return nil, err
	}
	p.Versions = nil
	for _, vrec := range s.linked(rec, store.EntityPrompts, "versions") {
		var v store.PromptVersion
		if err := decode(vrec, &v); err != nil {
			return nil, err
		}
		p.Versions = append(p.Versions, v)
	}
	sort.SliceStable(p.Versions, func(i, j int) bool {
		return p.Versions[i].Version > p.Versions[j].Version
	})
	return &p, nil
}

// ListPrompts returns all prompts sorted by creation time descending.
func (s *Store) ListPrompts(_ context.Context) ([]store.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*record, 0, len(s.tables[store.EntityPrompts]))
	for _, rec := range s.tables[store.EntityPrompts] {
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].createdAt.After(recs[j].createdAt)
	})
	out := make([]store.Prompt, 0, len(recs))
	for _, rec := range recs {
		p, err := s.decodePrompt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// TaskSystemPrompt returns the prompt and version selected for a task.
func (s *Store) TaskSystemPrompt(_ context.Context, taskID string) (*store.Prompt, *store.PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, err := s.one(store.EntityTasks, taskID)
	if err != nil {
		return nil, nil, err
	}
	var prompt *store.Prompt
	var version *store.PromptVersion
	if precs := s.linked(task, store.EntityTasks, "systemPrompt"); len(precs) > 0 {
		prompt, err = s.decodePrompt(precs[0])
		if err != nil {
			return nil, nil, err
		}
	}
	if vrecs := s.linked(task, store.EntityTasks, "systemPromptVersion"); len(vrecs) > 0 {
		var v store.PromptVersion
		if err := decode(vrecs[0], &v); err != nil {
			return nil, nil, err
		}
		version = &v
	}
	return prompt, version, nil
}
