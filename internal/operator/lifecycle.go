package operator

import (
	"context"
	"fmt"

	"github.com/swcompose/operator/internal/config"
	"github.com/swcompose/operator/internal/morph"
	"github.com/swcompose/operator/internal/store"
)

// InstanceStatus is the observed state of an instance plus its derived
// console service URL.
type InstanceStatus struct {
	InstanceID string
	Status     morph.Status
	ServiceURL string
}

// Status fetches and normalizes an instance's live state.
func (o *Operator) Status(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	inst, err := o.compute.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("operator: instance status: %w", err)
	}
	return &InstanceStatus{
		InstanceID: inst.ID,
		Status:     inst.Status(),
		ServiceURL: morph.ServiceURL(inst, config.DefaultServiceName),
	}, nil
}

// Pause suspends a running instance. Provider errors surface directly; the
// user retries manually.
func (o *Operator) Pause(ctx context.Context, instanceID string) error {
	if err := o.requireStatus(ctx, instanceID, "pause", morph.StatusReady); err != nil {
		return err
	}
	if err := o.compute.Pause(ctx, instanceID); err != nil {
		return fmt.Errorf("operator: pausing instance %s: %w", instanceID, err)
	}
	return nil
}

// Resume wakes a paused instance. Valid only from the paused state.
func (o *Operator) Resume(ctx context.Context, instanceID string) error {
	if err := o.requireStatus(ctx, instanceID, "resume", morph.StatusPaused); err != nil {
		return err
	}
	if err := o.compute.Resume(ctx, instanceID); err != nil {
		return fmt.Errorf("operator: resuming instance %s: %w", instanceID, err)
	}
	return nil
}

// StopInstance releases an instance's resources. Terminal: the id is dead
// afterwards. The iteration record is untouched; stopping a VM never
// erases history.
func (o *Operator) StopInstance(ctx context.Context, taskID, instanceID string) error {
	if err := o.requireStatus(ctx, instanceID, "stop", morph.StatusReady, morph.StatusPaused); err != nil {
		return err
	}
	if err := o.compute.Stop(ctx, instanceID); err != nil {
		return fmt.Errorf("operator: stopping instance %s: %w", instanceID, err)
	}
	if taskID != "" {
		o.mu.Lock()
		st := o.state(taskID)
		if st.instanceID == instanceID {
			st.instanceID = ""
			st.phase = PhaseIdle
		}
		o.mu.Unlock()
	}
	return nil
}

func (o *Operator) requireStatus(ctx context.Context, instanceID, action string, allowed ...morph.Status) error {
	inst, err := o.compute.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("operator: %s: looking up instance %s: %w", action, instanceID, err)
	}
	status := inst.Status()
	for _, a := range allowed {
		if status == a {
			return nil
		}
	}
	return fmt.Errorf("operator: cannot %s instance %s in state %s", action, instanceID, status)
}

// CreateTemplateSnapshot snapshots an instance, tags it as a reusable boot
// template, and records it in the store. When iterationID is set the new
// snapshot becomes the iteration's latest snapshot.
func (o *Operator) CreateTemplateSnapshot(ctx context.Context, instanceID, iterationID, name string) (*morph.Snapshot, error) {
	snap, err := o.compute.CreateSnapshot(ctx, instanceID, map[string]string{
		config.TemplateMetadataKey: "true",
		"name":                     name,
	})
	if err != nil {
		return nil, fmt.Errorf("operator: snapshotting instance %s: %w", instanceID, err)
	}

	lookup := store.Lookup{Attr: "externalMorphSnapshotId", Value: snap.ID}
	ops := []store.Op{{
		Entity: store.EntityMorphSnapshots,
		Lookup: &lookup,
		Set:    map[string]any{"externalMorphSnapshotId": snap.ID},
	}}
	if iterationID != "" {
		ops = append(ops, store.Op{
			Entity: store.EntityIterations,
			ID:     iterationID,
			Links:  map[string]any{"latestSnapshot": lookup},
		})
	}
	if err := o.store.Transact(ctx, ops); err != nil {
		return nil, fmt.Errorf("operator: recording snapshot %s: %w", snap.ID, err)
	}
	return snap, nil
}

// ListTemplateSnapshots returns snapshots tagged as reusable templates.
func (o *Operator) ListTemplateSnapshots(ctx context.Context) ([]morph.Snapshot, error) {
	snaps, err := o.compute.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("operator: listing snapshots: %w", err)
	}
	templates := snaps[:0]
	for _, s := range snaps {
		if s.Metadata[config.TemplateMetadataKey] == "true" {
			templates = append(templates, s)
		}
	}
	return templates, nil
}

// DeleteSnapshot removes a snapshot from the provider.
func (o *Operator) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := o.compute.DeleteSnapshot(ctx, snapshotID); err != nil {
		return fmt.Errorf("operator: deleting snapshot %s: %w", snapshotID, err)
	}
	return nil
}
