// Package dvbulk provides a minimal public API for embedding the bulk
// engine in other Go programs.
//
// Most automation should shell out to the dvb CLI. This package exports
// only the essential types and constructors needed by programs that want
// to drive exports, imports, and CSV loads in-process against their own
// client factory.
package dvbulk

import (
	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/engine"
	"github.com/dvtools/dvbulk/internal/pool"
	"github.com/dvtools/dvbulk/internal/schema"
	"github.com/dvtools/dvbulk/internal/throttle"
	"github.com/dvtools/dvbulk/internal/types"
	"github.com/dvtools/dvbulk/internal/webapi"
)

// Core types for working with migration data
type (
	Schema          = types.Schema
	EntitySchema    = types.EntitySchema
	Record          = types.Record
	MigrationData   = types.MigrationData
	MigrationResult = types.MigrationResult
	ProgressEvent   = types.ProgressEvent
)

// Client is the request-issuing capability the engine consumes. Supply
// your own implementation or use NewWebAPIClient.
type Client = dataverse.Client

// Web API transport configuration. Credential acquisition stays with the
// caller: a TokenSource returns a ready bearer token.
type (
	WebAPIConfig = webapi.Config
	TokenSource  = webapi.TokenSource
)

// StaticToken wraps a fixed bearer token as a TokenSource.
var StaticToken = webapi.StaticToken

// Pool and engine configuration
type (
	Pool          = pool.Pool
	PoolConfig    = pool.Config
	Source        = pool.Source
	SourceConfig  = pool.SourceConfig
	Tracker       = throttle.Tracker
	Engine        = engine.Engine
	ExportOptions = engine.ExportOptions
	ImportOptions = engine.ImportOptions
)

// Import modes
const (
	ModeCreate = engine.ModeCreate
	ModeUpdate = engine.ModeUpdate
	ModeUpsert = engine.ModeUpsert
)

// NewTracker creates the adaptive throttle tracker shared by a pool and
// its engine.
func NewTracker() *Tracker {
	return throttle.NewTracker()
}

// NewSource wraps a client factory as a pool source.
func NewSource(cfg SourceConfig) (*Source, error) {
	return pool.NewSource(cfg)
}

// DefaultPoolConfig returns the pool defaults wired to a tracker.
var DefaultPoolConfig = pool.DefaultConfig

// NewPool creates a connection pool over the given sources.
func NewPool(cfg PoolConfig, sources ...*Source) (*Pool, error) {
	return pool.New(cfg, sources...)
}

// NewEngine creates an export/import engine over the pool. The events
// channel may be nil when no progress reporting is wanted.
func NewEngine(p *Pool, tracker *Tracker, events chan<- ProgressEvent) *Engine {
	return engine.New(p, tracker, events)
}

// NewWebAPIClient connects to a Dataverse environment over the OData Web
// API. The caller supplies a ready bearer token source.
func NewWebAPIClient(cfg WebAPIConfig) (Client, error) {
	return webapi.New(cfg)
}

// WebAPIFactory wraps the Web API client as a pool source factory.
var WebAPIFactory = webapi.Factory

// ReadSchema parses a migration schema document.
var ReadSchema = schema.ReadSchema

// WriteSchema serializes a migration schema document.
var WriteSchema = schema.WriteSchema
