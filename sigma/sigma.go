package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Detector evaluates archived events against Sigma rules and records the
// matches. Rules live under RulesDir/enabled_rules; edits there are
// picked up while the detector runs.
type Detector struct {
	RulesDir   string
	db         *sql.DB
	log        *zap.Logger
	eventTypes []string
	reloadChan chan bool
	watcher    *fsnotify.Watcher

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	running    bool

	ctrMatches metric.Int64Counter
}

// SigmaMatch is one recorded rule hit.
type SigmaMatch struct {
	ID           string    `json:"id"`
	EventID      int64     `json:"event_id"`
	EventType    string    `json:"event_type"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	PID          int64     `json:"pid"`
	UID          int64     `json:"uid"`
	ExePath      string    `json:"exe_path"`
	CommandLine  string    `json:"command_line"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
	CreatedAt    time.Time `json:"created_at"`
}

// MatchResult is the outcome of evaluating one rule against one event.
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

// createFieldMappings maps the Sigma taxonomy onto the columns the
// archiver writes.
func createFieldMappings() sigma.Config {
	return sigma.Config{
		Title: "sockaudit field mappings",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":           {TargetNames: []string{"Image"}},
			"CommandLine":     {TargetNames: []string{"CommandLine"}},
			"ProcessId":       {TargetNames: []string{"ProcessId"}},
			"User":            {TargetNames: []string{"UID"}},
			"DestinationIp":   {TargetNames: []string{"DestinationIp"}},
			"DestinationPort": {TargetNames: []string{"DestinationPort"}},
			"SourceIp":        {TargetNames: []string{"SourceIp"}},
			"SourcePort":      {TargetNames: []string{"SourcePort"}},
			"Protocol":        {TargetNames: []string{"Protocol"}},
			"Initiated":       {TargetNames: []string{"Initiated"}},
		},
	}
}

// NewDetector creates a detector backed by db and loads the rules under
// rulesDir/enabled_rules. The enabled_rules and disabled_rules
// directories are created when missing.
func NewDetector(rulesDir string, db *sql.DB, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	d := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		log:        logger,
		eventTypes: []string{"network", "exec"},
		reloadChan: make(chan bool, 1),
		watcher:    watcher,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
	}

	meter := otel.Meter("sockaudit.sigma")
	if d.ctrMatches, err = meter.Int64Counter("sigma_matches_total"); err != nil {
		logger.Warn("failed to create match counter", zap.Error(err))
	}

	for _, dir := range []string{d.enabledDir(), filepath.Join(rulesDir, "disabled_rules")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := d.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %w", err)
	}

	if err := d.LoadRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	return d, nil
}

func (d *Detector) enabledDir() string {
	return filepath.Join(d.RulesDir, "enabled_rules")
}

// Changes in disabled_rules do not matter, so only the enabled directory
// is watched.
func (d *Detector) setupWatcher() error {
	if err := d.watcher.Add(d.enabledDir()); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", d.enabledDir(), err)
	}
	d.log.Info("watching rules for changes", zap.String("dir", d.enabledDir()))

	go d.watchFileChanges()
	return nil
}

func (d *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.log.Debug("rule change detected",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()))
				d.ReloadRules()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// LoadRules replaces the active evaluators with the rules currently in
// enabled_rules. Files that fail to parse are skipped.
func (d *Detector) LoadRules() error {
	files, err := os.ReadDir(d.enabledDir())
	if err != nil {
		return err
	}

	loaded := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		filePath := filepath.Join(d.enabledDir(), file.Name())
		rule, ruleEvaluator, err := loadRuleFile(filePath)
		if err != nil {
			d.log.Warn("skipping rule file", zap.String("path", filePath), zap.Error(err))
			continue
		}
		loaded[rule.ID] = ruleEvaluator
		d.log.Debug("loaded rule", zap.String("id", rule.ID), zap.String("title", rule.Title))
	}

	d.mu.Lock()
	d.evaluators = loaded
	d.mu.Unlock()

	d.log.Info("sigma rules loaded",
		zap.Int("count", len(loaded)),
		zap.String("dir", d.enabledDir()))
	return nil
}

func loadRuleFile(path string) (sigma.Rule, *evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, nil, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, nil, fmt.Errorf("not a sigma rule: %s", path)
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	ruleEvaluator := evaluator.ForRule(rule,
		evaluator.WithConfig(createFieldMappings()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}))
	return rule, ruleEvaluator, nil
}

// ReloadRules schedules a rule reload. Safe to call from any goroutine;
// a pending reload is not queued twice.
func (d *Detector) ReloadRules() {
	select {
	case d.reloadChan <- true:
	default:
	}
}

// RuleCount reports the number of active evaluators.
func (d *Detector) RuleCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.evaluators)
}

// GetLastProcessedID gets the last processed event id for an event type,
// initializing the state row on first use.
func (d *Detector) GetLastProcessedID(eventType string) (int64, error) {
	query := `SELECT last_id FROM detector_state WHERE event_type = ? LIMIT 1`

	var lastID int64
	err := d.db.QueryRow(query, eventType).Scan(&lastID)
	if err != nil {
		if err == sql.ErrNoRows {
			initQuery := `
			INSERT INTO detector_state
				(event_type, last_id, last_processed_time, updated_at)
			VALUES
				(?, 0, datetime('now'), datetime('now'))`

			if _, err := d.db.Exec(initQuery, eventType); err != nil {
				return 0, fmt.Errorf("failed to initialize state for event type %s: %w", eventType, err)
			}
			return 0, nil
		}
		return 0, err
	}

	return lastID, nil
}

// UpdateDetectorState advances the per-type polling cursor.
func (d *Detector) UpdateDetectorState(eventType string, lastID int64, matchCount int) error {
	query := `
	UPDATE detector_state SET
		last_id = ?,
		last_processed_time = datetime('now'),
		match_count = match_count + ?,
		updated_at = datetime('now')
	WHERE event_type = ?`

	_, err := d.db.Exec(query, lastID, matchCount, eventType)
	return err
}

// CheckEvent evaluates one event against every active rule.
func (d *Detector) CheckEvent(ctx context.Context, event map[string]interface{}, eventType string) []MatchResult {
	d.mu.RLock()
	evaluators := make([]*evaluator.RuleEvaluator, 0, len(d.evaluators))
	for _, ruleEvaluator := range d.evaluators {
		evaluators = append(evaluators, ruleEvaluator)
	}
	d.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			d.log.Warn("rule evaluation failed",
				zap.String("event_type", eventType),
				zap.String("rule", ruleEvaluator.Rule.ID),
				zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}

		results = append(results, MatchResult{
			Match: true,
			Rule:  ruleEvaluator.Rule,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
		})
		d.log.Info("event matched rule",
			zap.String("rule", ruleEvaluator.Rule.ID),
			zap.Strings("conditions", matchConditions))
	}

	return results
}

// StoreMatch records a rule match for one archived event.
func (d *Detector) StoreMatch(match MatchResult, event map[string]interface{}, eventType string) error {
	eventDataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	eventID, ok := eventIDOf(event)
	if !ok {
		return fmt.Errorf("event has no valid id")
	}

	var pid, uid int64
	if v, ok := event["ProcessId"].(int64); ok {
		pid = v
	}
	if v, ok := event["UID"].(int64); ok {
		uid = v
	}
	var exePath, commandLine string
	if v, ok := event["Image"].(string); ok {
		exePath = v
	}
	if v, ok := event["CommandLine"].(string); ok {
		commandLine = v
	}

	matchDetailsJSON, _ := json.Marshal(match.MatchDetails)

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	query := `
	INSERT INTO sigma_matches (
		id, event_id, event_type, rule_id, rule_name,
		pid, uid, exe_path, command_line,
		timestamp, severity, status, match_details, event_data, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), ?, 'new', ?, ?, datetime('now'))`

	_, err = d.db.Exec(query,
		uuid.NewString(),
		eventID,
		eventType,
		match.Rule.ID,
		match.Rule.Title,
		pid,
		uid,
		exePath,
		commandLine,
		severity,
		string(matchDetailsJSON),
		string(eventDataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}

	if d.ctrMatches != nil {
		d.ctrMatches.Add(context.Background(), 1)
	}
	d.log.Debug("stored match", zap.String("rule", match.Rule.ID))
	return nil
}

func eventIDOf(event map[string]interface{}) (int64, bool) {
	switch v := event["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// StartPolling runs rule reloading and event polling until ctx ends.
func (d *Detector) StartPolling(ctx context.Context, interval time.Duration) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("detector is already running")
	}
	d.running = true
	d.mu.Unlock()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.reloadChan:
				d.log.Info("reloading sigma rules")
				if err := d.LoadRules(); err != nil {
					d.log.Error("failed to reload rules", zap.Error(err))
				}
			}
		}
	}()

	for _, eventType := range d.eventTypes {
		eventType := eventType
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := d.pollOnce(ctx, eventType); err != nil {
						d.log.Warn("polling failed",
							zap.String("event_type", eventType),
							zap.Error(err))
					}
				}
			}
		}()
		d.log.Info("started polling", zap.String("event_type", eventType))
	}

	wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.log.Info("sigma detection stopped")
	return nil
}

func (d *Detector) pollOnce(ctx context.Context, eventType string) error {
	lastID, err := d.GetLastProcessedID(eventType)
	if err != nil {
		return fmt.Errorf("failed to read detector state: %w", err)
	}

	events, err := d.FetchNewEvents(eventType, lastID)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	d.log.Debug("processing events",
		zap.Int("count", len(events)),
		zap.String("event_type", eventType))

	var newLastID int64
	var matchCount int
	for _, event := range events {
		if ctx.Err() != nil {
			return nil
		}
		if id, ok := eventIDOf(event); ok && id > newLastID {
			newLastID = id
		}

		for _, match := range d.CheckEvent(ctx, event, eventType) {
			if err := d.StoreMatch(match, event, eventType); err != nil {
				d.log.Error("failed to store match", zap.Error(err))
				continue
			}
			matchCount++
		}
	}

	if newLastID > lastID {
		if err := d.UpdateDetectorState(eventType, newLastID, matchCount); err != nil {
			return fmt.Errorf("failed to update detector state: %w", err)
		}
	}
	return nil
}

// StopPolling closes the rule watcher. Polling goroutines stop when the
// context passed to StartPolling ends.
func (d *Detector) StopPolling() {
	if d.watcher != nil {
		d.watcher.Close()
	}
}

// FetchNewEvents returns events of eventType with id greater than lastID,
// shaped for rule evaluation.
func (d *Detector) FetchNewEvents(eventType string, lastID int64) ([]map[string]interface{}, error) {
	switch eventType {
	case "network":
		return d.fetchNetworkEvents(lastID)
	case "exec":
		return d.fetchExecEvents(lastID)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

func (d *Detector) fetchNetworkEvents(lastID int64) ([]map[string]interface{}, error) {
	query := `
	SELECT id, pid, uid, exe_path, protocol, action,
	       src_addr, src_port, dst_addr, dst_port
	FROM network_events
	WHERE id > ?
	ORDER BY id ASC
	LIMIT 1000`

	rows, err := d.db.Query(query, lastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []map[string]interface{}
	for rows.Next() {
		var (
			id       int64
			pid      sql.NullInt64
			uid      sql.NullInt64
			exePath  sql.NullString
			protocol sql.NullString
			action   sql.NullString
			srcAddr  sql.NullString
			srcPort  sql.NullInt64
			dstAddr  sql.NullString
			dstPort  sql.NullInt64
		)
		if err := rows.Scan(&id, &pid, &uid, &exePath, &protocol, &action,
			&srcAddr, &srcPort, &dstAddr, &dstPort); err != nil {
			return nil, err
		}

		event := map[string]interface{}{"id": id}
		if pid.Valid {
			event["ProcessId"] = pid.Int64
		}
		if uid.Valid {
			event["UID"] = uid.Int64
		}
		if exePath.Valid {
			event["Image"] = exePath.String
		}
		if protocol.Valid {
			event["Protocol"] = strings.ToLower(protocol.String)
		}
		if action.Valid {
			event["Action"] = action.String
			event["Initiated"] = fmt.Sprintf("%t", action.String == "CONNECT")
		}
		if srcAddr.Valid {
			event["SourceIp"] = srcAddr.String
		}
		if srcPort.Valid {
			event["SourcePort"] = srcPort.Int64
		}
		if dstAddr.Valid {
			event["DestinationIp"] = dstAddr.String
		}
		if dstPort.Valid {
			event["DestinationPort"] = dstPort.Int64
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func (d *Detector) fetchExecEvents(lastID int64) ([]map[string]interface{}, error) {
	query := `
	SELECT id, pid, uid, comm, exe_path, argv
	FROM exec_events
	WHERE id > ?
	ORDER BY id ASC
	LIMIT 1000`

	rows, err := d.db.Query(query, lastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []map[string]interface{}
	for rows.Next() {
		var (
			id      int64
			pid     sql.NullInt64
			uid     sql.NullInt64
			comm    sql.NullString
			exePath sql.NullString
			argv    sql.NullString
		)
		if err := rows.Scan(&id, &pid, &uid, &comm, &exePath, &argv); err != nil {
			return nil, err
		}

		event := map[string]interface{}{"id": id}
		if pid.Valid {
			event["ProcessId"] = pid.Int64
		}
		if uid.Valid {
			event["UID"] = uid.Int64
		}
		if comm.Valid {
			event["Comm"] = comm.String
		}
		if exePath.Valid {
			event["Image"] = exePath.String
		}
		if argv.Valid {
			event["CommandLine"] = argv.String
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// GetMatches retrieves recorded matches with optional filters on status,
// severity, and rule.
func (d *Detector) GetMatches(limit int, offset int, filters map[string]string) ([]SigmaMatch, error) {
	query := `
    SELECT id, event_id, event_type, rule_id, rule_name,
           pid, uid, exe_path, command_line,
           timestamp, severity, status, match_details, event_data, created_at
    FROM sigma_matches`

	whereClause := []string{}
	args := []interface{}{}

	if status, ok := filters["status"]; ok && status != "" && status != "all" {
		whereClause = append(whereClause, "status = ?")
		args = append(args, status)
	}
	if severity, ok := filters["severity"]; ok && severity != "" && severity != "all" {
		whereClause = append(whereClause, "severity = ?")
		args = append(args, severity)
	}
	if ruleID, ok := filters["rule"]; ok && ruleID != "" && ruleID != "all" {
		whereClause = append(whereClause, "rule_id = ?")
		args = append(args, ruleID)
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []SigmaMatch
	for rows.Next() {
		var match SigmaMatch
		var matchDetailsJSON, eventDataJSON string

		err := rows.Scan(
			&match.ID, &match.EventID, &match.EventType, &match.RuleID, &match.RuleName,
			&match.PID, &match.UID, &match.ExePath, &match.CommandLine,
			&match.Timestamp, &match.Severity, &match.Status,
			&matchDetailsJSON, &eventDataJSON, &match.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(matchDetailsJSON), &match.MatchDetails)
		match.EventData = eventDataJSON

		matches = append(matches, match)
	}

	return matches, rows.Err()
}

// GetMatchStats summarizes recorded matches for status reporting.
func (d *Detector) GetMatchStats() (map[string]interface{}, error) {
	var totalRules int
	err := d.db.QueryRow("SELECT COUNT(*) FROM (SELECT DISTINCT rule_id FROM sigma_matches)").Scan(&totalRules)
	if err != nil {
		return nil, err
	}

	sevCounts := make(map[string]int)
	rows, err := d.db.Query("SELECT severity, COUNT(*) FROM sigma_matches GROUP BY severity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		sevCounts[severity] = count
	}

	statusCounts := make(map[string]int)
	rows, err = d.db.Query("SELECT status, COUNT(*) FROM sigma_matches GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		statusCounts[status] = count
	}

	// Timestamps are written by datetime('now'), so the window bounds are
	// computed the same way to keep the text comparison consistent.
	var last24h int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > datetime('now', '-1 day')").Scan(&last24h); err != nil {
		return nil, err
	}

	var last7d int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > datetime('now', '-7 days')").Scan(&last7d); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"totalRules":     totalRules,
		"activeRules":    d.RuleCount(),
		"alertsLast24h":  last24h,
		"alertsLast7d":   last7d,
		"severityCounts": sevCounts,
		"statusCounts":   statusCounts,
	}, nil
}

// UpdateMatchStatus moves a match through the triage workflow.
func (d *Detector) UpdateMatchStatus(matchID string, newStatus string) error {
	validStatuses := map[string]bool{
		"new":            true,
		"in_progress":    true,
		"resolved":       true,
		"false_positive": true,
	}

	if !validStatuses[newStatus] {
		return fmt.Errorf("invalid status: %s", newStatus)
	}

	_, err := d.db.Exec(
		"UPDATE sigma_matches SET status = ? WHERE id = ?",
		newStatus, matchID,
	)
	return err
}
