// Package delivery is the operational store population runs drain into:
// list members, campaign sends and journey entrances, plus the owning
// entities' state.
package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNotFound is returned when an owning entity does not exist.
var ErrNotFound = errors.New("not found")

// Campaign states
const (
	CampaignDraft     = "draft"
	CampaignLoading   = "loading"
	CampaignScheduled = "scheduled"
	CampaignAborted   = "aborted"
)

// List states
const (
	ListDraft   = "draft"
	ListLoading = "loading"
	ListReady   = "ready"
)

// Owner is the entity a population run fills.
type Owner struct {
	ID             int64
	ProjectID      int64
	RuleID         string
	State          string
	EntranceStepID int64 // journeys only
}

// Store reads and writes the operational Postgres tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a delivery store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the delivery tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lists (
			id           BIGSERIAL PRIMARY KEY,
			project_id   BIGINT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			rule_id      TEXT,
			state        TEXT NOT NULL DEFAULT 'draft',
			member_count BIGINT NOT NULL DEFAULT 0,
			updated_at   TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS list_members (
			list_id    BIGINT NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
			user_id    BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (list_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS campaigns (
			id              BIGSERIAL PRIMARY KEY,
			project_id      BIGINT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			rule_id         TEXT,
			state           TEXT NOT NULL DEFAULT 'draft',
			recipient_count BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS campaign_sends (
			campaign_id BIGINT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			user_id     BIGINT NOT NULL,
			state       TEXT NOT NULL DEFAULT 'pending',
			created_at  TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at  TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (campaign_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS journeys (
			id                BIGSERIAL PRIMARY KEY,
			project_id        BIGINT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			rule_id           TEXT,
			entrance_step_id  BIGINT NOT NULL,
			state             TEXT NOT NULL DEFAULT 'live',
			entrance_count    BIGINT NOT NULL DEFAULT 0,
			last_populated_at TIMESTAMP WITH TIME ZONE,
			updated_at        TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS journey_entrances (
			step_id    BIGINT NOT NULL,
			user_id    BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (step_id, user_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create delivery tables: %w", err)
	}
	return nil
}

// ==========================================
// OWNERS
// ==========================================

// GetList loads a list.
func (s *Store) GetList(ctx context.Context, id int64) (Owner, error) {
	return s.getOwner(ctx, `SELECT id, project_id, rule_id, state, 0 FROM lists WHERE id = $1`, "list", id)
}

// GetCampaign loads a campaign.
func (s *Store) GetCampaign(ctx context.Context, id int64) (Owner, error) {
	return s.getOwner(ctx, `SELECT id, project_id, rule_id, state, 0 FROM campaigns WHERE id = $1`, "campaign", id)
}

// GetJourney loads a journey with its entrance step.
func (s *Store) GetJourney(ctx context.Context, id int64) (Owner, error) {
	return s.getOwner(ctx, `SELECT id, project_id, rule_id, state, entrance_step_id FROM journeys WHERE id = $1`, "journey", id)
}

func (s *Store) getOwner(ctx context.Context, query, kind string, id int64) (Owner, error) {
	var (
		o      Owner
		ruleID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&o.ID, &o.ProjectID, &ruleID, &o.State, &o.EntranceStepID)
	if errors.Is(err, sql.ErrNoRows) {
		return Owner{}, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return Owner{}, fmt.Errorf("failed to load %s %d: %w", kind, id, err)
	}
	o.RuleID = ruleID.String
	return o, nil
}

// ==========================================
// DRAIN UPSERTS
// ==========================================
// Each upsert is keyed by (owner, user) so a redelivered page leaves the
// table unchanged apart from updated_at.

// UpsertListMembers adds users to a list.
func (s *Store) UpsertListMembers(ctx context.Context, listID int64, userIDs []int64) (int64, error) {
	return s.upsert(ctx, `
		INSERT INTO list_members (list_id, user_id)
		SELECT $1, UNNEST($2::bigint[])
		ON CONFLICT (list_id, user_id) DO UPDATE SET updated_at = NOW()
	`, "list members", listID, userIDs)
}

// UpsertCampaignSends creates pending sends. Existing sends keep their state.
func (s *Store) UpsertCampaignSends(ctx context.Context, campaignID int64, userIDs []int64) (int64, error) {
	return s.upsert(ctx, `
		INSERT INTO campaign_sends (campaign_id, user_id, state)
		SELECT $1, UNNEST($2::bigint[]), 'pending'
		ON CONFLICT (campaign_id, user_id) DO UPDATE SET updated_at = NOW()
	`, "campaign sends", campaignID, userIDs)
}

// UpsertJourneyEntrances enters users at a journey step.
func (s *Store) UpsertJourneyEntrances(ctx context.Context, stepID int64, userIDs []int64) (int64, error) {
	return s.upsert(ctx, `
		INSERT INTO journey_entrances (step_id, user_id)
		SELECT $1, UNNEST($2::bigint[])
		ON CONFLICT (step_id, user_id) DO UPDATE SET updated_at = NOW()
	`, "journey entrances", stepID, userIDs)
}

func (s *Store) upsert(ctx context.Context, query, what string, ownerID int64, userIDs []int64) (int64, error) {
	ids := dedupe(userIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, query, ownerID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert %s: %w", what, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// dedupe keeps the first occurrence of each id; ON CONFLICT DO UPDATE
// rejects a statement that touches the same row twice.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ==========================================
// STATE TRANSITIONS
// ==========================================

// MarkListLoading flags a list as being populated.
func (s *Store) MarkListLoading(ctx context.Context, listID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lists SET state = 'loading', updated_at = NOW() WHERE id = $1
	`, listID)
	if err != nil {
		return fmt.Errorf("failed to mark list %d loading: %w", listID, err)
	}
	return nil
}

// CompleteList flags a list ready and persists its member count.
func (s *Store) CompleteList(ctx context.Context, listID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lists
		SET state = 'ready',
		    member_count = (SELECT COUNT(*) FROM list_members WHERE list_id = $1),
		    updated_at = NOW()
		WHERE id = $1
	`, listID)
	if err != nil {
		return fmt.Errorf("failed to complete list %d: %w", listID, err)
	}
	return nil
}

// MarkCampaignLoading moves a draft campaign to loading. It reports false
// when the campaign was aborted or already moved on.
func (s *Store) MarkCampaignLoading(ctx context.Context, campaignID int64) (bool, error) {
	return s.transition(ctx, `
		UPDATE campaigns SET state = 'loading', updated_at = NOW()
		WHERE id = $1 AND state IN ('draft', 'loading')
	`, campaignID)
}

// CompleteCampaign moves a loading campaign to scheduled with its final
// recipient count. The guard never matches an aborted campaign, so a late
// population run cannot resurrect it; false is returned in that case.
func (s *Store) CompleteCampaign(ctx context.Context, campaignID int64) (bool, error) {
	return s.transition(ctx, `
		UPDATE campaigns
		SET state = 'scheduled',
		    recipient_count = (SELECT COUNT(*) FROM campaign_sends WHERE campaign_id = $1),
		    updated_at = NOW()
		WHERE id = $1 AND state = 'loading'
	`, campaignID)
}

// AbortCampaign marks a campaign aborted. In-flight population runs are not
// interrupted; their completion hook sees the marker.
func (s *Store) AbortCampaign(ctx context.Context, campaignID int64) (bool, error) {
	return s.transition(ctx, `
		UPDATE campaigns SET state = 'aborted', updated_at = NOW()
		WHERE id = $1 AND state IN ('draft', 'loading', 'scheduled')
	`, campaignID)
}

// CompleteJourney records a finished entrance population.
func (s *Store) CompleteJourney(ctx context.Context, journeyID, stepID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE journeys
		SET entrance_count = (SELECT COUNT(*) FROM journey_entrances WHERE step_id = $2),
		    last_populated_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, journeyID, stepID)
	if err != nil {
		return fmt.Errorf("failed to complete journey %d: %w", journeyID, err)
	}
	return nil
}

func (s *Store) transition(ctx context.Context, query string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
