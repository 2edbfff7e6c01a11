// ABOUTME: Store interface the gateway depends on
// ABOUTME: Narrow enough that a future non-SQLite backend could satisfy it without touching gateway code

// Package store defines the repository interface the gateway core persists
// through. Nothing outside this package and the gateway core touches a SQL
// connection.
package store

import (
	"context"
	"errors"

	"github.com/kilnlabs/agentgw/internal/domain"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint would be violated.
var ErrConflict = errors.New("store: conflict")

// ResolvedApproval is the durable audit record of an approval decision,
// distinct from the in-memory broker's live rendezvous state.
type ResolvedApproval struct {
	RunID       string
	ToolName    string
	Args        map[string]any
	Resolution  string
	Reason      string
	ByPrincipal string
	RequestedAt int64
	ResolvedAt  int64
}

// Store is the persistence boundary for every durable entity the gateway
// core owns: channels, chats, messages, agent runs, the append-only event
// log, the single-row policy, and the approval audit trail.
type Store interface {
	UpsertChannel(ctx context.Context, ch domain.Channel) error
	GetChannel(ctx context.Context, channelID string) (domain.Channel, error)
	ListChannels(ctx context.Context) ([]domain.Channel, error)

	UpsertChat(ctx context.Context, chat domain.Chat) error
	GetChat(ctx context.Context, chatID string) (domain.Chat, error)
	ListChatsByChannel(ctx context.Context, channelID string) ([]domain.Chat, error)

	SaveMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error)

	CreateRun(ctx context.Context, run domain.AgentRun) error
	UpdateRun(ctx context.Context, run domain.AgentRun) error
	GetRun(ctx context.Context, runID string) (domain.AgentRun, error)
	ListRunsByChat(ctx context.Context, chatID string, limit int) ([]domain.AgentRun, error)

	AppendEvent(ctx context.Context, evt domain.Event) error
	ListEventsSince(ctx context.Context, runID string, sinceSeq uint64, limit int) ([]domain.Event, error)

	GetPolicy(ctx context.Context) (domain.Policy, error)
	SetPolicy(ctx context.Context, p domain.Policy) error

	SaveResolvedApproval(ctx context.Context, a ResolvedApproval) error
	ListResolvedApprovals(ctx context.Context, runID string) ([]ResolvedApproval, error)

	Close() error
}
