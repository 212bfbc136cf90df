package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"go.uber.org/zap"

	"github.com/sockaudit/sockaudit/database"
	"github.com/sockaudit/sockaudit/eventlog"
	"github.com/sockaudit/sockaudit/probes"
	"github.com/sockaudit/sockaudit/sigma"
	"github.com/sockaudit/sockaudit/whitelist"
)

// Server exposes the admin API: pipeline status, archived events, probe
// control, and Sigma rule management. detector and wl may be nil when
// those subsystems are disabled.
type Server struct {
	log        *zap.Logger
	db         *database.DB
	buffer     *eventlog.Buffer
	manager    *probes.Manager
	detector   *sigma.Detector
	wl         *whitelist.Whitelist
	listenAddr string
}

func NewServer(db *database.DB, buffer *eventlog.Buffer, manager *probes.Manager, detector *sigma.Detector, wl *whitelist.Whitelist, listenAddr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		log:        logger,
		db:         db,
		buffer:     buffer,
		manager:    manager,
		detector:   detector,
		wl:         wl,
		listenAddr: listenAddr,
	}
}

func (s *Server) routes() *http.ServeMux {
	logged := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", logged(s.handleIndex))
	mux.HandleFunc("/api/status", logged(s.handleStatus))
	mux.HandleFunc("/api/events/network", logged(s.handleNetworkEvents))
	mux.HandleFunc("/api/events/exec", logged(s.handleExecEvents))
	mux.HandleFunc("/api/probes", logged(s.handleProbes))
	mux.HandleFunc("/api/whitelist", logged(s.handleWhitelist))

	if s.detector != nil {
		mux.HandleFunc("/api/sigma/rules", logged(s.handleSigmaRules))
		mux.HandleFunc("/api/sigma/rules/toggle/", logged(s.handleSigmaRuleToggle))
		mux.HandleFunc("/api/sigma/rules/upload", logged(s.handleSigmaRuleUpload))
		mux.HandleFunc("/api/sigma/matches", logged(s.handleSigmaMatchesList))
		mux.HandleFunc("/api/sigma/matches/", logged(s.handleSigmaMatchOperation))
		mux.HandleFunc("/api/sigma/stats", logged(s.handleSigmaStats))
	}

	return mux
}

// Start serves the API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.routes(),
	}

	s.log.Info("starting web server", zap.String("addr", s.listenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]interface{}{
		"service": "sockaudit",
		"endpoints": []string{
			"/api/status",
			"/api/events/network",
			"/api/events/exec",
			"/api/probes",
			"/api/whitelist",
			"/api/sigma/rules",
			"/api/sigma/matches",
			"/api/sigma/stats",
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Buffer: s.buffer.Stats(),
		Probes: s.probeStatus(),
	}

	counts, err := s.db.GetCounts()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to count events: %v", err), http.StatusInternalServerError)
		return
	}
	resp.Database = counts

	if s.wl != nil {
		resp.WhitelistEntries = s.wl.Len()
	}
	if s.detector != nil {
		resp.ActiveRules = s.detector.RuleCount()
	}

	writeJSON(w, resp)
}

func (s *Server) probeStatus() []ProbeStatus {
	out := make([]ProbeStatus, 0, len(probes.Categories()))
	for _, c := range probes.Categories() {
		out = append(out, ProbeStatus{Category: c.String(), Active: s.manager.Status(c)})
	}
	return out
}

func (s *Server) handleNetworkEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r)
	filters := map[string]string{
		"action":   r.URL.Query().Get("action"),
		"protocol": r.URL.Query().Get("protocol"),
		"pid":      r.URL.Query().Get("pid"),
		"path":     r.URL.Query().Get("path"),
	}

	events, err := s.db.GetNetworkEvents(limit, offset, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to fetch events: %v", err), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []database.NetworkEventRow{}
	}
	writeJSON(w, events)
}

func (s *Server) handleExecEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r)
	filters := map[string]string{
		"pid":  r.URL.Query().Get("pid"),
		"path": r.URL.Query().Get("path"),
	}

	events, err := s.db.GetExecEvents(limit, offset, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to fetch events: %v", err), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []database.ExecEventRow{}
	}
	writeJSON(w, events)
}

// handleProbes reports probe state on GET and enables or disables
// categories on POST.
func (s *Server) handleProbes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.probeStatus())

	case http.MethodPost:
		var request struct {
			Enable  []string `json:"enable"`
			Disable []string `json:"disable"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		enable, err := probes.ParseCategories(request.Enable)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		disable, err := probes.ParseCategories(request.Disable)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if enable != 0 {
			if err := s.manager.Request(enable); err != nil {
				http.Error(w, fmt.Sprintf("failed to enable probes: %v", err), http.StatusInternalServerError)
				return
			}
		}
		if disable != 0 {
			s.manager.Release(disable)
		}
		writeJSON(w, s.probeStatus())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.wl == nil {
		writeJSON(w, []whitelist.Entry{})
		return
	}
	writeJSON(w, s.wl.Entries())
}

func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rules []map[string]interface{}
	for _, dir := range []struct {
		path    string
		enabled bool
	}{
		{filepath.Join(s.detector.RulesDir, "enabled_rules"), true},
		{filepath.Join(s.detector.RulesDir, "disabled_rules"), false},
	} {
		fromDir, err := readRulesFromDir(dir.path, dir.enabled)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read rules: %v", err), http.StatusInternalServerError)
			return
		}
		rules = append(rules, fromDir...)
	}

	if rules == nil {
		rules = []map[string]interface{}{}
	}
	writeJSON(w, rules)
}

func readRulesFromDir(dir string, enabled bool) ([]map[string]interface{}, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rules []map[string]interface{}
	for _, file := range files {
		if file.IsDir() || !isRuleName(file.Name()) {
			continue
		}
		path := filepath.Join(dir, file.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}
		rules = append(rules, ruleResponse(rule, path, file.Name(), enabled, content))
	}
	return rules, nil
}

func isRuleName(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

func ruleResponse(rule sigmago.Rule, path, name string, enabled bool, raw []byte) map[string]interface{} {
	m := map[string]interface{}{
		"id":          rule.ID,
		"title":       rule.Title,
		"description": rule.Description,
		"level":       rule.Level,
		"author":      rule.Author,
		"tags":        rule.Tags,
		"references":  rule.References,
		"detection":   rule.Detection,
		"filepath":    path,
		"filename":    name,
		"enabled":     enabled,
	}
	if raw != nil {
		m["yaml"] = string(raw)
	}
	if date, ok := rule.AdditionalFields["date"]; ok {
		m["date"] = date
	}
	if modified, ok := rule.AdditionalFields["modified"]; ok {
		m["modified"] = modified
	}
	return m
}

// findRuleFile locates the file in dir whose parsed rule id equals
// ruleID. An empty path means not found.
func findRuleFile(dir, ruleID string) (path, name string, err error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", err
	}

	for _, file := range files {
		if file.IsDir() || !isRuleName(file.Name()) {
			continue
		}
		p := filepath.Join(dir, file.Name())
		content, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}
		if rule.ID == ruleID {
			return p, file.Name(), nil
		}
	}
	return "", "", nil
}

// handleSigmaRuleToggle moves a rule between the enabled and disabled
// directories. The file watcher picks up the move and reloads.
func (s *Server) handleSigmaRuleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ruleID := strings.TrimPrefix(r.URL.Path, "/api/sigma/rules/toggle/")
	if ruleID == "" {
		http.Error(w, "Rule ID required", http.StatusBadRequest)
		return
	}

	enabledDir := filepath.Join(s.detector.RulesDir, "enabled_rules")
	disabledDir := filepath.Join(s.detector.RulesDir, "disabled_rules")

	targetDir := disabledDir
	enabled := false
	path, name, err := findRuleFile(enabledDir, ruleID)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to scan rules: %v", err), http.StatusInternalServerError)
		return
	}
	if path == "" {
		targetDir = enabledDir
		enabled = true
		path, name, err = findRuleFile(disabledDir, ruleID)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to scan rules: %v", err), http.StatusInternalServerError)
			return
		}
	}
	if path == "" {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read rule file: %v", err), http.StatusInternalServerError)
		return
	}
	targetPath := filepath.Join(targetDir, name)
	if err := os.WriteFile(targetPath, content, 0644); err != nil {
		http.Error(w, fmt.Sprintf("failed to write rule file: %v", err), http.StatusInternalServerError)
		return
	}
	if err := os.Remove(path); err != nil {
		http.Error(w, fmt.Sprintf("failed to remove original rule file: %v", err), http.StatusInternalServerError)
		return
	}

	s.log.Info("toggled sigma rule",
		zap.String("rule", ruleID),
		zap.Bool("enabled", enabled))

	rule, _ := sigmago.ParseRule(content)
	writeJSON(w, ruleResponse(rule, targetPath, name, enabled, nil))
}

// handleSigmaRuleUpload stores a new rule file. The file watcher picks
// up the write and reloads.
func (s *Server) handleSigmaRuleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Content  string `json:"content"`
		Filename string `json:"filename"`
		Enabled  bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if request.Content == "" || request.Filename == "" {
		http.Error(w, "Content and filename are required", http.StatusBadRequest)
		return
	}

	// The filename is client input; strip any directory part.
	filename := filepath.Base(request.Filename)
	if !isRuleName(filename) {
		http.Error(w, "Filename must have .yml or .yaml extension", http.StatusBadRequest)
		return
	}

	rule, err := sigmago.ParseRule([]byte(request.Content))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid rule format: %v", err), http.StatusBadRequest)
		return
	}

	targetDir := filepath.Join(s.detector.RulesDir, "disabled_rules")
	if request.Enabled {
		targetDir = filepath.Join(s.detector.RulesDir, "enabled_rules")
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		http.Error(w, fmt.Sprintf("failed to create directory: %v", err), http.StatusInternalServerError)
		return
	}

	path := filepath.Join(targetDir, filename)
	if err := os.WriteFile(path, []byte(request.Content), 0644); err != nil {
		http.Error(w, fmt.Sprintf("failed to write file: %v", err), http.StatusInternalServerError)
		return
	}

	s.log.Info("uploaded sigma rule",
		zap.String("rule", rule.ID),
		zap.Bool("enabled", request.Enabled))

	writeJSON(w, ruleResponse(rule, path, filename, request.Enabled, nil))
}

func (s *Server) handleSigmaMatchesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filters := map[string]string{
		"status":   r.URL.Query().Get("status"),
		"severity": r.URL.Query().Get("severity"),
		"rule":     r.URL.Query().Get("rule"),
	}
	limit, offset := pagination(r)

	matches, err := s.detector.GetMatches(limit, offset, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to fetch matches: %v", err), http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []sigma.SigmaMatch{}
	}
	writeJSON(w, matches)
}

// handleSigmaMatchOperation updates the status of one match, addressed
// as /api/sigma/matches/{id}.
func (s *Server) handleSigmaMatchOperation(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 5 || pathParts[4] == "" {
		http.Error(w, "Invalid match ID", http.StatusBadRequest)
		return
	}
	matchID := pathParts[4]

	switch r.Method {
	case http.MethodPost:
		var request struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		if err := s.detector.UpdateMatchStatus(matchID, request.Status); err != nil {
			http.Error(w, fmt.Sprintf("failed to update match status: %v", err), http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"id":     matchID,
			"status": request.Status,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSigmaStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.detector.GetMatchStats()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to compute stats: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
