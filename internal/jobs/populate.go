// Package jobs runs population work off a durable Postgres queue: each job
// compiles an owner's audience rule and feeds it through the staging
// pipeline into the delivery tables.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ignite/audience/internal/delivery"
	"github.com/ignite/audience/internal/pkg/logger"
	"github.com/ignite/audience/internal/rules"
	"github.com/ignite/audience/internal/staging"
)

// Job types
const (
	TypeListPopulate     = "list.populate"
	TypeCampaignPopulate = "campaign.populate"
	TypeJourneyPopulate  = "journey.populate"
)

// OwnerPayload is the payload of every population job.
type OwnerPayload struct {
	ID int64 `json:"id"`
}

// DedupKey is the queue dedup key of a population job.
func DedupKey(typ string, ownerID int64) string {
	return fmt.Sprintf("%s:%d", typ, ownerID)
}

// EnqueuePopulation queues a population job for an owner. A job already
// queued or running for the same owner makes this a no-op.
func EnqueuePopulation(ctx context.Context, q *Queue, typ string, ownerID int64) (string, bool, error) {
	return q.Enqueue(ctx, typ, OwnerPayload{ID: ownerID}, DedupKey(typ, ownerID))
}

// TreeLoader loads a stored rule tree.
type TreeLoader interface {
	GetTree(ctx context.Context, rootID string) (rules.Rule, error)
}

// Populator runs a staging job and drops the buffers of abandoned ones.
type Populator interface {
	Populate(ctx context.Context, job staging.Job) error
	Discard(ctx context.Context, owner string) error
}

// Populations holds the population job handlers.
type Populations struct {
	trees    TreeLoader
	engine   *rules.Engine
	pipeline Populator
	store    *delivery.Store
	log      *logger.Logger
}

// NewPopulations wires the population handlers.
func NewPopulations(trees TreeLoader, engine *rules.Engine, pipeline Populator, store *delivery.Store) *Populations {
	return &Populations{
		trees:    trees,
		engine:   engine,
		pipeline: pipeline,
		store:    store,
		log:      logger.With("component", "population"),
	}
}

// Register adds every population handler to w.
func (p *Populations) Register(w *Worker) {
	w.Handle(TypeListPopulate, p.PopulateList)
	w.Handle(TypeCampaignPopulate, p.PopulateCampaign)
	w.Handle(TypeJourneyPopulate, p.PopulateJourney)
}

// PopulateList fills list_members from the list's rule.
func (p *Populations) PopulateList(ctx context.Context, job *Job) error {
	id, err := ownerID(job)
	if err != nil {
		return err
	}
	list, err := p.store.GetList(ctx, id)
	if err != nil {
		return err
	}
	query, err := p.compile(ctx, "list", list)
	if err != nil {
		return err
	}
	if err := p.store.MarkListLoading(ctx, id); err != nil {
		return err
	}

	return p.pipeline.Populate(ctx, staging.Job{
		Query:    query,
		OwnerKey: staging.OwnerKey("list", id),
		Drain: func(ctx context.Context, page []staging.Pair) error {
			users, err := userIDs(page)
			if err != nil {
				return err
			}
			_, err = p.store.UpsertListMembers(ctx, id, users)
			return err
		},
		OnComplete: func(ctx context.Context, total int64) error {
			return p.store.CompleteList(ctx, id)
		},
	})
}

// PopulateCampaign creates pending sends, then schedules the campaign unless
// it was aborted meanwhile.
func (p *Populations) PopulateCampaign(ctx context.Context, job *Job) error {
	id, err := ownerID(job)
	if err != nil {
		return err
	}
	campaign, err := p.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if campaign.State == delivery.CampaignAborted {
		p.log.Info("skipping aborted campaign", "campaign_id", id)
		// A run interrupted before the abort may have left rows staged.
		return p.pipeline.Discard(ctx, staging.OwnerKey("campaign", id))
	}
	query, err := p.compile(ctx, "campaign", campaign)
	if err != nil {
		return err
	}
	moved, err := p.store.MarkCampaignLoading(ctx, id)
	if err != nil {
		return err
	}
	if !moved {
		p.log.Info("campaign no longer loadable", "campaign_id", id, "state", campaign.State)
		return nil
	}

	return p.pipeline.Populate(ctx, staging.Job{
		Query:    query,
		OwnerKey: staging.OwnerKey("campaign", id),
		Drain: func(ctx context.Context, page []staging.Pair) error {
			users, err := userIDs(page)
			if err != nil {
				return err
			}
			_, err = p.store.UpsertCampaignSends(ctx, id, users)
			return err
		},
		OnComplete: func(ctx context.Context, total int64) error {
			scheduled, err := p.store.CompleteCampaign(ctx, id)
			if err != nil {
				return err
			}
			if !scheduled {
				p.log.Warn("campaign aborted during population", "campaign_id", id, "staged", total)
			}
			return nil
		},
	})
}

// PopulateJourney enters matching users at the journey's entrance step.
func (p *Populations) PopulateJourney(ctx context.Context, job *Job) error {
	id, err := ownerID(job)
	if err != nil {
		return err
	}
	journey, err := p.store.GetJourney(ctx, id)
	if err != nil {
		return err
	}
	query, err := p.compile(ctx, "journey", journey)
	if err != nil {
		return err
	}

	step := journey.EntranceStepID
	return p.pipeline.Populate(ctx, staging.Job{
		Query:    query,
		OwnerKey: staging.OwnerKey("journey", id),
		Drain: func(ctx context.Context, page []staging.Pair) error {
			users, err := userIDs(page)
			if err != nil {
				return err
			}
			_, err = p.store.UpsertJourneyEntrances(ctx, step, users)
			return err
		},
		OnComplete: func(ctx context.Context, total int64) error {
			return p.store.CompleteJourney(ctx, id, step)
		},
	})
}

// compile loads the owner's rule tree and compiles it for its project.
func (p *Populations) compile(ctx context.Context, kind string, owner delivery.Owner) (string, error) {
	if owner.RuleID == "" {
		return "", fmt.Errorf("%s %d has no audience rule", kind, owner.ID)
	}
	tree, err := p.trees.GetTree(ctx, owner.RuleID)
	if err != nil {
		return "", fmt.Errorf("load rule of %s %d: %w", kind, owner.ID, err)
	}
	return p.engine.GetRuleQuery(owner.ProjectID, tree)
}

func ownerID(job *Job) (int64, error) {
	var payload OwnerPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return 0, fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	if payload.ID <= 0 {
		return 0, fmt.Errorf("%s payload has no owner id", job.Type)
	}
	return payload.ID, nil
}

func userIDs(page []staging.Pair) ([]int64, error) {
	ids := make([]int64, 0, len(page))
	for _, pair := range page {
		id, err := strconv.ParseInt(pair.Key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("staged user id %q: %w", pair.Key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
