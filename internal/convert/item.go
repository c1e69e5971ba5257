package convert

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/mapping"
	"github.com/lvonguyen/stixforge/internal/marking"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/registry"
)

func (r *run) convertAttribute(a misp.Attribute) {
	failure := fmt.Sprintf("Error with the %s attribute: %s.", a.Type, a.Value)

	r.isolate(failure, func(txn *registry.Txn) (Built, error) {
		var payload mapping.Payload
		producer, ok := r.engine.table.Attributes[a.Type]
		if ok {
			var err error
			if payload, err = producer(a); err != nil {
				return Built{}, err
			}
		} else {
			r.warn(fmt.Sprintf("MISP Attribute type %s not mapped.", a.Type))
			payload = mapping.CustomAttribute(a)
		}

		item := Item{
			Kind:          ItemAttribute,
			UUID:          a.UUID,
			Name:          a.Type,
			Category:      a.Category,
			Value:         a.Value,
			Comment:       a.Comment,
			Timestamp:     r.itemTime(a.Timestamp),
			Indicator:     a.ToIDS,
			IndicatorType: r.engine.table.IndicatorType(a.Type),
			Payload:       payload,
		}
		return r.build(txn, item, a.Type+" attribute", a.Galaxies, misp.TagNames(a.Tags))
	})
}

func (r *run) convertObject(o misp.Object) {
	if r.engine.table.Skipped[o.Name] {
		r.engine.logger.Debug("Skipping object",
			zap.String("object", o.UUID),
			zap.String("name", o.Name),
		)
		return
	}

	failure := fmt.Sprintf("Error with the %s object: %s.", o.Name, o.UUID)

	r.isolate(failure, func(txn *registry.Txn) (Built, error) {
		var payload mapping.Payload
		producer, ok := r.engine.table.Objects[o.Name]
		if ok {
			var err error
			if payload, err = producer(o); err != nil {
				return Built{}, err
			}
		} else {
			r.warn(fmt.Sprintf("MISP Object name %s not mapped.", o.Name))
			payload = mapping.CustomObject(o)
		}

		item := Item{
			Kind:          ItemObject,
			UUID:          o.UUID,
			Name:          o.Name,
			Category:      o.MetaCategory,
			Comment:       o.Comment,
			Timestamp:     r.itemTime(o.Timestamp),
			Indicator:     o.DetectionFlag(),
			IndicatorType: r.engine.table.IndicatorType(o.Name),
			Payload:       payload,
		}
		return r.build(txn, item, o.Name+" object", o.Galaxies(), misp.TagNames(o.Tags()))
	})
}

// build resolves the item's clusters and markings and hands it to the
// target. Cluster tags are consumed before markings are resolved.
func (r *run) build(txn *registry.Txn, item Item, scope string, galaxies []misp.Galaxy, tags []string) (Built, error) {
	res, err := r.clusters.Resolve(txn, scope, galaxies)
	if err != nil {
		return Built{}, err
	}
	r.warn(res.Warnings...)

	item.Links = res.Links
	item.Markings = r.markings.Resolve(txn, marking.Subtract(tags, res.Consumed))

	built, err := r.engine.target.Item(r.ctx, item)
	if err != nil {
		return Built{}, err
	}
	built.Item = item
	return built, nil
}

// isolate runs fn inside a registry transaction. A failure or panic discards
// everything fn registered and records failure; the event carries on.
func (r *run) isolate(failure string, fn func(txn *registry.Txn) (Built, error)) {
	txn := r.engine.registry.Begin()

	built, err := safely(txn, fn)
	if err != nil {
		txn.Rollback()
		r.fail(failure, err)
		return
	}

	r.collect(txn.Commit())
	r.items = append(r.items, built)
}

func safely(txn *registry.Txn, fn func(txn *registry.Txn) (Built, error)) (built Built, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(txn)
}

func (r *run) itemTime(ts misp.Timestamp) time.Time {
	if ts == 0 {
		return r.ctx.Timestamp
	}
	return ts.Time()
}
