package web

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ruleFile struct {
	rule     sigmago.Rule
	path     string
	content  []byte
	enabled  bool
	filename string
}

func (f *ruleFile) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":          f.rule.ID,
		"title":       f.rule.Title,
		"description": f.rule.Description,
		"level":       f.rule.Level,
		"author":      f.rule.Author,
		"tags":        f.rule.Tags,
		"references":  f.rule.References,
		"category":    f.rule.Logsource.Category,
		"filepath":    f.path,
		"filename":    f.filename,
		"enabled":     f.enabled,
		"yaml":        string(f.content),
	}
	for _, k := range []string{"date", "modified"} {
		if v, ok := f.rule.AdditionalFields[k]; ok {
			m[k] = v
		}
	}
	return m
}

func (s *Server) ruleDirs() (enabled, disabled string) {
	return filepath.Join(s.sigmaDetector.RulesDir, "enabled_rules"),
		filepath.Join(s.sigmaDetector.RulesDir, "disabled_rules")
}

func isRuleName(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

// readRulesFromDir parses the rules in dir. Unreadable or invalid files
// are skipped.
func readRulesFromDir(dir string, enabled bool) ([]ruleFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rules []ruleFile
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
		rules = append(rules, ruleFile{rule: rule, path: path, content: content, enabled: enabled, filename: file.Name()})
	}
	return rules, nil
}

func (s *Server) allRules() ([]ruleFile, error) {
	enabledDir, disabledDir := s.ruleDirs()
	enabled, err := readRulesFromDir(enabledDir, true)
	if err != nil {
		return nil, fmt.Errorf("reading enabled rules: %w", err)
	}
	disabled, err := readRulesFromDir(disabledDir, false)
	if err != nil {
		return nil, fmt.Errorf("reading disabled rules: %w", err)
	}
	return append(enabled, disabled...), nil
}

func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.allRules()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]interface{}, 0, len(rules))
	for i := range rules {
		out = append(out, rules[i].toMap())
	}
	writeJSON(w, out)
}

// handleSigmaRuleToggle moves a rule between enabled_rules and
// disabled_rules. The detector's watcher picks up the change.
func (s *Server) handleSigmaRuleToggle(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	rules, err := s.allRules()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var found *ruleFile
	for i := range rules {
		if rules[i].rule.ID == ruleID {
			found = &rules[i]
			break
		}
	}
	if found == nil {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}

	enabledDir, disabledDir := s.ruleDirs()
	targetDir := enabledDir
	if found.enabled {
		targetDir = disabledDir
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create directory: %v", err), http.StatusInternalServerError)
		return
	}
	targetPath := filepath.Join(targetDir, found.filename)
	if err := os.Rename(found.path, targetPath); err != nil {
		http.Error(w, fmt.Sprintf("Error moving rule file: %v", err), http.StatusInternalServerError)
		return
	}

	s.log.Info("Toggled rule", zap.String("id", ruleID), zap.Bool("enabled", !found.enabled))
	found.path = targetPath
	found.enabled = !found.enabled
	writeJSON(w, found.toMap())
}

func (s *Server) handleSigmaRuleUpload(w http.ResponseWriter, r *http.Request) {
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
	if !isRuleName(request.Filename) || filepath.Base(request.Filename) != request.Filename {
		http.Error(w, "Filename must be a plain .yml or .yaml name", http.StatusBadRequest)
		return
	}

	rule, err := sigmago.ParseRule([]byte(request.Content))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid rule format: %v", err), http.StatusBadRequest)
		return
	}

	enabledDir, disabledDir := s.ruleDirs()
	targetDir := disabledDir
	if request.Enabled {
		targetDir = enabledDir
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create directory: %v", err), http.StatusInternalServerError)
		return
	}

	path := filepath.Join(targetDir, request.Filename)
	if err := os.WriteFile(path, []byte(request.Content), 0o644); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write file: %v", err), http.StatusInternalServerError)
		return
	}

	f := ruleFile{rule: rule, path: path, content: []byte(request.Content), enabled: request.Enabled, filename: request.Filename}
	writeJSON(w, f.toMap())
}

func (s *Server) handleSigmaMatchesList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := map[string]string{
		"status":     q.Get("status"),
		"severity":   q.Get("severity"),
		"rule":       q.Get("rule"),
		"event_type": q.Get("event_type"),
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	matches, err := s.sigmaDetector.GetMatches(limit, offset, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}
	if matches == nil {
		writeJSON(w, []struct{}{})
		return
	}
	writeJSON(w, matches)
}

func (s *Server) handleSigmaMatchUpdate(w http.ResponseWriter, r *http.Request) {
	matchID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid match ID: %v", err), http.StatusBadRequest)
		return
	}

	var request struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.sigmaDetector.UpdateMatchStatus(matchID, request.Status); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf("Error updating match status: %v", err), status)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":     matchID,
		"status": request.Status,
	})
}

func (s *Server) handleSigmaStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sigmaDetector.GetMatchStats()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching stats: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}
