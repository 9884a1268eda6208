// Package projection holds the projection data model shared by the
// coordinator, the checkpoint manager and the execution core: modes,
// lifecycle states, persisted definitions, identities, the derived stream
// naming convention and the audit event format.
//
// Stream names are pure functions of the projection name and are never
// stored. Other tooling relies on them, so they must not change:
//
//	$projections-$all                     index stream (created/deleted audit events)
//	$projections-<name>                   definition stream
//	$projections-<name>-checkpoint        checkpoint stream
//	$projections-<name>-result            result stream
//	$projections-<name>-emittedstreams    streams emitted by the projection
package projection
