// Package storage is the embedded relational store behind the pipeline:
// analyses, alerts, pool discoveries, token outcomes, and the ML sample
// feed all land in one SQLite file under the data directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mintwatch/backend/internal/core"
)

const (
	outcomeStatusPending    = "pending"
	outcomeStatusClassified = "classified"
)

// ============================================================================
// ROWS
// ============================================================================

// AnalysisRow is one completed enrich-and-classify pass.
type AnalysisRow struct {
	ID           string    `gorm:"primaryKey;size:40" json:"id"`
	TokenMint    string    `gorm:"size:64;index" json:"token_mint"`
	TokenSymbol  string    `gorm:"size:32" json:"token_symbol"`
	PoolAddress  string    `gorm:"size:64" json:"pool_address"`
	Source       string    `gorm:"size:16" json:"source"`
	RiskScore    int       `json:"risk_score"`
	RiskLevel    string    `gorm:"size:16" json:"risk_level"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	Holders      int       `json:"holders"`
	FactsJSON    string    `gorm:"type:text" json:"facts_json"`
	VerdictJSON  string    `gorm:"type:text" json:"verdict_json"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// AlertRow is one dispatched notification.
type AlertRow struct {
	ID        string    `gorm:"primaryKey;size:40" json:"id"`
	Category  string    `gorm:"size:24;index:idx_alert_dedup" json:"category"`
	Priority  int       `json:"priority"`
	ChatID    string    `gorm:"size:32;index:idx_alert_dedup" json:"chat_id"`
	TokenMint string    `gorm:"size:64;index:idx_alert_dedup" json:"token_mint"`
	Symbol    string    `gorm:"size:32" json:"symbol"`
	Title     string    `json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// PoolDiscoveryRow is one pool event accepted off a source.
type PoolDiscoveryRow struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	PoolAddress  string    `gorm:"size:64;index" json:"pool_address"`
	TokenMint    string    `gorm:"size:64;index" json:"token_mint"`
	Source       string    `gorm:"size:16" json:"source"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	DiscoveredAt time.Time `json:"discovered_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// OutcomeRow carries a token through monitoring: inserted pending when
// tracking starts, finalised when classification lands.
type OutcomeRow struct {
	Mint   string `gorm:"primaryKey;size:64" json:"mint"`
	Symbol string `gorm:"size:32" json:"symbol"`
	Status string `gorm:"size:12;index" json:"status"`

	InitialPrice     float64 `json:"initial_price"`
	InitialLiquidity float64 `json:"initial_liquidity"`
	InitialHolders   int     `json:"initial_holders"`
	InitialRiskScore int     `json:"initial_risk_score"`

	PeakPrice     float64   `json:"peak_price"`
	PeakLiquidity float64   `json:"peak_liquidity"`
	PeakAt        time.Time `json:"peak_at"`

	Outcome          string     `gorm:"size:16" json:"outcome"`
	Confidence       float64    `json:"confidence"`
	PeakMultiplier   float64    `json:"peak_multiplier"`
	TimeToPeakSec    int64      `json:"time_to_peak_sec"`
	TimeToOutcomeSec int64      `json:"time_to_outcome_sec"`
	FinalPrice       float64    `json:"final_price"`
	FinalLiquidity   float64    `json:"final_liquidity"`
	ClassifiedAt     *time.Time `json:"classified_at,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MLSampleRow pairs the facts that produced an alert decision with the
// outcome that eventually materialised.
type MLSampleRow struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TokenMint  string    `gorm:"size:64;index" json:"token_mint"`
	Features   string    `gorm:"type:text" json:"features"`
	RiskScore  int       `json:"risk_score"`
	Label      string    `gorm:"size:16" json:"label"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// ============================================================================
// STORE
// ============================================================================

// Store wraps the SQLite database with the pipeline's persistence surface.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the database file, creating the parent directory
// and migrating the schema as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	// WAL keeps the HTTP readers off the writers' back; the busy timeout
	// covers the rest.
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&AnalysisRow{},
		&AlertRow{},
		&PoolDiscoveryRow{},
		&OutcomeRow{},
		&MLSampleRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping probes the database, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ============================================================================
// ANALYSES
// ============================================================================

// SaveAnalysis records one enrichment pass with its verdict.
func (s *Store) SaveAnalysis(ctx context.Context, ev core.PoolEvent, facts *core.EnrichmentFacts, verdict *core.RiskVerdict) error {
	row := AnalysisRow{
		ID:          uuid.New().String(),
		TokenMint:   ev.TokenMint,
		PoolAddress: ev.PoolAddress,
		Source:      string(ev.Source),
		CreatedAt:   time.Now(),
	}
	if facts != nil {
		row.TokenSymbol = facts.TokenSymbol
		row.LiquidityUSD = facts.Liquidity.TotalLiquidityUSD
		row.Holders = facts.Holders.TotalHolders
		row.FactsJSON = asJSON(facts)
	}
	if verdict != nil {
		row.RiskScore = verdict.Score
		row.RiskLevel = string(verdict.Level)
		row.VerdictJSON = asJSON(verdict)
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save analysis %s: %w", ev.TokenMint, err)
	}
	return nil
}

// GetRecentAnalyses returns analyses at or after since, newest first.
func (s *Store) GetRecentAnalyses(ctx context.Context, since time.Time, limit int) ([]AnalysisRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []AnalysisRow
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	return rows, nil
}

// ============================================================================
// ALERTS
// ============================================================================

// SaveAlert records a dispatched alert. Facts and verdict already live on
// the analysis row, so only the delivered text is kept.
func (s *Store) SaveAlert(ctx context.Context, alert *core.Alert) error {
	row := AlertRow{
		ID:        alert.ID,
		Category:  string(alert.Category),
		Priority:  int(alert.Priority),
		ChatID:    alert.ChatID,
		TokenMint: alert.TokenMint,
		Symbol:    alert.TokenSymbol,
		Title:     alert.Title,
		Message:   alert.Message,
		CreatedAt: alert.CreatedAt,
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save alert %s: %w", row.ID, err)
	}
	return nil
}

// WasAlertSent reports whether the same mint, chat, and category produced
// an alert inside the window. It is the cross-restart half of the cooldown.
func (s *Store) WasAlertSent(ctx context.Context, mint, chatID string, category core.AlertCategory, within time.Duration) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&AlertRow{}).
		Where("token_mint = ? AND chat_id = ? AND category = ? AND created_at >= ?",
			mint, chatID, string(category), time.Now().Add(-within)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query alerts: %w", err)
	}
	return n > 0, nil
}

// GetRecentAlerts returns the latest dispatched alerts, newest first.
func (s *Store) GetRecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []AlertRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return rows, nil
}

// ============================================================================
// POOL DISCOVERIES
// ============================================================================

// SavePoolDiscovery records one accepted source event.
func (s *Store) SavePoolDiscovery(ctx context.Context, ev core.PoolEvent) error {
	row := PoolDiscoveryRow{
		PoolAddress:  ev.PoolAddress,
		TokenMint:    ev.TokenMint,
		Source:       string(ev.Source),
		LiquidityUSD: ev.InitialLiquidityUSD,
		DiscoveredAt: ev.DiscoveredAt,
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save discovery %s: %w", ev.PoolAddress, err)
	}
	return nil
}

// ============================================================================
// TOKEN OUTCOMES
// ============================================================================

// SaveTokenOutcomeInitial upserts the pending monitoring record.
func (s *Store) SaveTokenOutcomeInitial(ctx context.Context, tok *core.TrackedToken) error {
	row := OutcomeRow{
		Mint:             tok.Mint,
		Symbol:           tok.Symbol,
		Status:           outcomeStatusPending,
		InitialPrice:     tok.InitialPrice,
		InitialLiquidity: tok.InitialLiquidity,
		InitialHolders:   tok.InitialHolders,
		InitialRiskScore: tok.InitialRiskScore,
		PeakPrice:        tok.PeakPrice,
		PeakLiquidity:    tok.PeakLiquidity,
		PeakAt:           tok.PeakAt,
		DiscoveredAt:     tok.DiscoveredAt,
		UpdatedAt:        time.Now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save outcome initial %s: %w", tok.Mint, err)
	}
	return nil
}

// SaveTokenOutcomeFinal finalises the monitoring record and derives one ML
// sample from the analysis that triggered tracking.
func (s *Store) SaveTokenOutcomeFinal(ctx context.Context, out *core.TokenOutcome) error {
	classifiedAt := out.ClassifiedAt
	if classifiedAt.IsZero() {
		classifiedAt = time.Now()
	}
	row := OutcomeRow{
		Mint:             out.Mint,
		Symbol:           out.Symbol,
		Status:           outcomeStatusClassified,
		InitialPrice:     out.InitialPrice,
		InitialLiquidity: out.InitialLiquidity,
		InitialRiskScore: out.InitialRiskScore,
		PeakPrice:        out.PeakPrice,
		PeakLiquidity:    out.PeakLiquidity,
		Outcome:          string(out.Outcome),
		Confidence:       out.Confidence,
		PeakMultiplier:   out.PeakMultiplier,
		TimeToPeakSec:    out.TimeToPeakSec,
		TimeToOutcomeSec: out.TimeToOutcomeSec,
		FinalPrice:       out.FinalPrice,
		FinalLiquidity:   out.FinalLiquidity,
		ClassifiedAt:     &classifiedAt,
		UpdatedAt:        time.Now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save outcome final %s: %w", out.Mint, err)
	}
	return s.saveMLSample(ctx, out)
}

// GetPendingOutcomes returns tokens still inside their monitoring window,
// reconstructed for the tracker to resume. Current values restart from the
// initial snapshot; the next poll refreshes them.
func (s *Store) GetPendingOutcomes(ctx context.Context) ([]core.TrackedToken, error) {
	var rows []OutcomeRow
	err := s.db.WithContext(ctx).
		Where("status = ?", outcomeStatusPending).
		Order("discovered_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query pending outcomes: %w", err)
	}

	out := make([]core.TrackedToken, 0, len(rows))
	for _, row := range rows {
		out = append(out, core.TrackedToken{
			Mint:             row.Mint,
			Symbol:           row.Symbol,
			InitialPrice:     row.InitialPrice,
			InitialLiquidity: row.InitialLiquidity,
			InitialHolders:   row.InitialHolders,
			InitialRiskScore: row.InitialRiskScore,
			PeakPrice:        row.PeakPrice,
			PeakLiquidity:    row.PeakLiquidity,
			PeakAt:           row.PeakAt,
			CurrentPrice:     row.InitialPrice,
			CurrentLiquidity: row.InitialLiquidity,
			CurrentHolders:   row.InitialHolders,
			DiscoveredAt:     row.DiscoveredAt,
			LastUpdated:      row.UpdatedAt,
		})
	}
	return out, nil
}

// ============================================================================
// ML SAMPLES
// ============================================================================

// saveMLSample labels the outcome's token with its latest analysis facts.
// Tokens that were never analysed produce no sample.
func (s *Store) saveMLSample(ctx context.Context, out *core.TokenOutcome) error {
	var analysis AnalysisRow
	err := s.db.WithContext(ctx).
		Where("token_mint = ?", out.Mint).
		Order("created_at DESC").
		First(&analysis).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup analysis for sample %s: %w", out.Mint, err)
	}

	sample := MLSampleRow{
		TokenMint:  out.Mint,
		Features:   analysis.FactsJSON,
		RiskScore:  analysis.RiskScore,
		Label:      string(out.Outcome),
		Confidence: out.Confidence,
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&sample).Error; err != nil {
		return fmt.Errorf("save ml sample %s: %w", out.Mint, err)
	}
	return nil
}

// GetMLSamples returns labelled samples, newest first.
func (s *Store) GetMLSamples(ctx context.Context, limit int) ([]MLSampleRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []MLSampleRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query ml samples: %w", err)
	}
	return rows, nil
}

// ============================================================================
// STATS
// ============================================================================

// Stats counts rows per table for the status endpoint.
type Stats struct {
	Analyses    int64 `json:"analyses"`
	Alerts      int64 `json:"alerts"`
	Discoveries int64 `json:"discoveries"`
	Pending     int64 `json:"outcomes_pending"`
	Classified  int64 `json:"outcomes_classified"`
	Samples     int64 `json:"ml_samples"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&AnalysisRow{}).Count(&st.Analyses).Error; err != nil {
		return st, err
	}
	if err := db.Model(&AlertRow{}).Count(&st.Alerts).Error; err != nil {
		return st, err
	}
	if err := db.Model(&PoolDiscoveryRow{}).Count(&st.Discoveries).Error; err != nil {
		return st, err
	}
	if err := db.Model(&OutcomeRow{}).Where("status = ?", outcomeStatusPending).Count(&st.Pending).Error; err != nil {
		return st, err
	}
	if err := db.Model(&OutcomeRow{}).Where("status = ?", outcomeStatusClassified).Count(&st.Classified).Error; err != nil {
		return st, err
	}
	if err := db.Model(&MLSampleRow{}).Count(&st.Samples).Error; err != nil {
		return st, err
	}
	return st, nil
}

func asJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
