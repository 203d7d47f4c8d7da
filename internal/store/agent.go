package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentbus/agentbus/internal/bus/models"
)

// ErrTokenMismatch is returned when an agent-attributed mutation presents a
// token that does not match the stored value.
var ErrTokenMismatch = errors.New("token mismatch")

// Agent operations

// RegisterAgent persists a new agent row. The display name is made unique by
// appending a numeric suffix when another agent already uses it.
func (s *Store) RegisterAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = now
	}
	if agent.LastHeartbeatAt.IsZero() {
		agent.LastHeartbeatAt = now
	}
	if agent.LastActivityAt.IsZero() {
		agent.LastActivityAt = now
	}
	if agent.LastActivityKind == "" {
		agent.LastActivityKind = models.ActivityRegister
	}

	capabilitiesJSON := "{}"
	if agent.Capabilities != nil {
		capabilitiesBytes, err := json.Marshal(agent.Capabilities)
		if err != nil {
			return fmt.Errorf("failed to serialize agent capabilities: %w", err)
		}
		capabilitiesJSON = string(capabilitiesBytes)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	name, err := uniqueAgentName(ctx, tx, agent.Name)
	if err != nil {
		return err
	}
	agent.Name = name

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, name, ide, model, description, capabilities, token,
			registered_at, last_heartbeat_at, last_activity_at, last_activity_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.IDE, agent.Model, agent.Description, capabilitiesJSON,
		agent.Token, agent.RegisteredAt, agent.LastHeartbeatAt, agent.LastActivityAt,
		string(agent.LastActivityKind)); err != nil {
		return err
	}

	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// uniqueAgentName appends " 2", " 3", ... until the name is unused.
func uniqueAgentName(ctx context.Context, q queryRower, base string) (string, error) {
	name := base
	for suffix := 2; ; suffix++ {
		var count int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE name = ?`, name).Scan(&count); err != nil {
			return "", err
		}
		if count == 0 {
			return name, nil
		}
		name = fmt.Sprintf("%s %d", base, suffix)
	}
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.scanAgent(s.ro.QueryRowContext(ctx, `
		SELECT id, name, ide, model, description, capabilities, token,
			registered_at, last_heartbeat_at, last_activity_at, last_activity_kind
		FROM agents WHERE id = ?
	`, id))
}

func (s *Store) scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var capabilitiesJSON, activityKind string
	err := row.Scan(&agent.ID, &agent.Name, &agent.IDE, &agent.Model, &agent.Description,
		&capabilitiesJSON, &agent.Token, &agent.RegisteredAt, &agent.LastHeartbeatAt,
		&agent.LastActivityAt, &activityKind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	agent.LastActivityKind = models.ActivityKind(activityKind)
	if capabilitiesJSON != "" && capabilitiesJSON != "{}" {
		if err := json.Unmarshal([]byte(capabilitiesJSON), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent capabilities: %w", err)
		}
	}
	return agent, nil
}

// ListAgents returns all registered agents ordered by registration time.
func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, name, ide, model, description, capabilities, token,
			registered_at, last_heartbeat_at, last_activity_at, last_activity_kind
		FROM agents ORDER BY registered_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Agent
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

// checkToken verifies the stored token for an agent using the writer
// connection so the check serializes with the mutation that follows.
func (s *Store) checkToken(ctx context.Context, id, token string) error {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM agents WHERE id = ?`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if token == "" || stored != token {
		return fmt.Errorf("agent %s: %w", id, ErrTokenMismatch)
	}
	return nil
}

// TouchHeartbeat validates the token and refreshes last_heartbeat_at.
func (s *Store) TouchHeartbeat(ctx context.Context, id, token string) error {
	if err := s.checkToken(ctx, id, token); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// TouchActivity records the agent's last activity. Unknown agent IDs are
// ignored; activity accounting is best-effort and unauthenticated.
func (s *Store) TouchActivity(ctx context.Context, id string, kind models.ActivityKind) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_activity_at = ?, last_activity_kind = ? WHERE id = ?
	`, time.Now().UTC(), string(kind), id)
	return err
}

// UnregisterAgent validates the token and removes the agent row.
func (s *Store) UnregisterAgent(ctx context.Context, id, token string) error {
	if err := s.checkToken(ctx, id, token); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	return err
}
