// Package sigma evaluates Sigma rules against stored events and records
// the matches.
package sigma

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/database"
)

// Detector manages Sigma rules and detection
type Detector struct {
	RulesDir string
	db       *database.DB
	log      *zap.Logger

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	running    bool
	eventTypes []string
	batchSize  int
	reloadChan chan struct{}
	watcher    *fsnotify.Watcher
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

// fieldConfig maps rule fields onto the columns FetchSince exposes.
func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "Hook Recorder Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"DestinationIp":   {TargetNames: []string{"DestinationIp"}},
			"DestinationPort": {TargetNames: []string{"DestinationPort"}},
			"TargetFilename":  {TargetNames: []string{"TargetFilename"}},
			"Query":           {TargetNames: []string{"Query"}},
			"ProcessId":       {TargetNames: []string{"ProcessId"}},
			"Image":           {TargetNames: []string{"Image"}},
			"Application":     {TargetNames: []string{"Application"}},
		},
	}
}

// NewDetector creates the rule directories if needed, loads the enabled
// rules and starts watching them for changes.
func NewDetector(rulesDir string, db *database.DB, log *zap.Logger) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		log:        log.Named("sigma"),
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		eventTypes: database.Kinds,
		batchSize:  1000,
		reloadChan: make(chan struct{}, 1),
		watcher:    watcher,
	}

	for _, dir := range []string{detector.enabledDir(), filepath.Join(rulesDir, "disabled_rules")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := detector.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %w", err)
	}

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	return detector, nil
}

func (sd *Detector) enabledDir() string {
	return filepath.Join(sd.RulesDir, "enabled_rules")
}

func (sd *Detector) setupWatcher() error {
	// changes in disabled_rules don't matter
	if err := sd.watcher.Add(sd.enabledDir()); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", sd.enabledDir(), err)
	}
	sd.log.Info("Watching directory for changes", zap.String("dir", sd.enabledDir()))

	go sd.watchFileChanges()
	return nil
}

func (sd *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				sd.log.Info("Detected rule change", zap.String("file", event.Name), zap.Stringer("op", event.Op))
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			sd.log.Warn("File watcher error", zap.Error(err))
		}
	}
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// LoadRules replaces the rule set with the rules in enabled_rules. Files
// that fail to parse are skipped.
func (sd *Detector) LoadRules() error {
	files, err := os.ReadDir(sd.enabledDir())
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		path := filepath.Join(sd.enabledDir(), file.Name())
		re, err := loadRuleFile(path)
		if err != nil {
			sd.log.Warn("Failed to load rule file", zap.String("file", path), zap.Error(err))
			continue
		}
		evaluators[re.Rule.ID] = re
		sd.log.Debug("Loaded rule", zap.String("title", re.Rule.Title), zap.String("id", re.Rule.ID))
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	sd.log.Info("Loaded Sigma rules", zap.Int("count", len(evaluators)), zap.String("dir", sd.enabledDir()))
	return nil
}

// RuleCount returns the number of active rules.
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- struct{}{}:
	default:
		// a reload is already pending
	}
}

func loadRuleFile(filePath string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}

	options := []evaluator.Option{
		evaluator.WithConfig(fieldConfig()),
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
		}),
	}

	return evaluator.ForRule(rule, options...), nil
}

// appliesTo reports whether rule is meant for eventType. Rules without a
// logsource category apply to every event type.
func appliesTo(rule sigma.Rule, eventType string) bool {
	cat := rule.Logsource.Category
	return cat == "" || cat == eventType
}

// CheckEvent evaluates event against every rule meant for eventType.
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}, eventType string) []MatchResult {
	sd.mu.RLock()
	defer sd.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range sd.evaluators {
		if !appliesTo(ruleEvaluator.Rule, eventType) {
			continue
		}
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			sd.log.Warn("Error evaluating event",
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
	}

	return results
}

// Poll evaluates the events of eventType stored since the last poll and
// stores the matches. It returns the number of events and matches.
func (sd *Detector) Poll(ctx context.Context, eventType string) (events, matches int, err error) {
	lastID, err := sd.GetLastProcessedID(eventType)
	if err != nil {
		return 0, 0, fmt.Errorf("retrieve last processed ID for %s: %w", eventType, err)
	}

	batch, err := sd.db.FetchSince(eventType, lastID, sd.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch %s events: %w", eventType, err)
	}
	if len(batch) == 0 {
		return 0, 0, nil
	}

	newLastID := lastID
	for _, event := range batch {
		if ctx.Err() != nil {
			return events, matches, ctx.Err()
		}
		if id := event["id"].(int64); id > newLastID {
			newLastID = id
		}
		events++
		for _, match := range sd.CheckEvent(ctx, event, eventType) {
			if err := sd.StoreMatch(match, event, eventType); err != nil {
				sd.log.Error("Error storing match", zap.Error(err))
				continue
			}
			matches++
		}
	}

	if err := sd.UpdateDetectorState(eventType, newLastID, matches); err != nil {
		return events, matches, fmt.Errorf("update state for %s: %w", eventType, err)
	}
	return events, matches, nil
}

// StartPolling polls every event type each interval until ctx ends.
func (sd *Detector) StartPolling(ctx context.Context, interval time.Duration) error {
	sd.mu.Lock()
	if sd.running {
		sd.mu.Unlock()
		return fmt.Errorf("detector is already running")
	}
	sd.running = true
	sd.mu.Unlock()

	defer func() {
		sd.mu.Lock()
		sd.running = false
		sd.mu.Unlock()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sd.reloadChan:
				if err := sd.LoadRules(); err != nil {
					sd.log.Error("Error reloading rules", zap.Error(err))
				}
			}
		}
	}()

	for _, eventType := range sd.eventTypes {
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
					n, m, err := sd.Poll(ctx, eventType)
					if err != nil {
						if ctx.Err() == nil {
							sd.log.Error("Polling failed", zap.String("event_type", eventType), zap.Error(err))
						}
						continue
					}
					if n > 0 {
						sd.log.Debug("Processed events",
							zap.String("event_type", eventType),
							zap.Int("events", n),
							zap.Int("matches", m))
					}
				}
			}
		}()
		sd.log.Info("Started polling", zap.String("event_type", eventType))
	}

	wg.Wait()
	sd.log.Info("Sigma detection stopped")
	return nil
}

// Close stops watching the rules directory.
func (sd *Detector) Close() error {
	return sd.watcher.Close()
}
