package sigma

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SigmaMatch represents an event that matched a Sigma rule
type SigmaMatch struct {
	ID           int64     `json:"id"`
	EventID      int64     `json:"event_id"`
	EventType    string    `json:"event_type"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	ProcessID    int64     `json:"process_id"`
	ProcessName  string    `json:"process_name"`
	Application  string    `json:"application"`
	Target       string    `json:"target"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
	CreatedAt    time.Time `json:"created_at"`
}

var validStatuses = map[string]bool{
	"new":            true,
	"in_progress":    true,
	"resolved":       true,
	"false_positive": true,
}

// GetLastProcessedID gets the last processed ID for an event type
func (sd *Detector) GetLastProcessedID(eventType string) (int64, error) {
	var lastID int64
	err := sd.db.Db.QueryRow(`SELECT last_id FROM detector_state WHERE event_type = ? LIMIT 1`, eventType).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = sd.db.Db.Exec(`
			INSERT INTO detector_state
				(event_type, last_id, last_processed_time, updated_at)
			VALUES
				(?, 0, datetime('now'), datetime('now'))`, eventType)
		if err != nil {
			return 0, fmt.Errorf("failed to initialize state for event type %s: %w", eventType, err)
		}
		return 0, nil
	}
	return lastID, err
}

// UpdateDetectorState updates the state for an event type
func (sd *Detector) UpdateDetectorState(eventType string, lastID int64, matchCount int) error {
	query := `
	UPDATE detector_state SET
		last_id = ?,
		last_processed_time = datetime('now'),
		rule_count = ?,
		match_count = match_count + ?,
		updated_at = datetime('now')
	WHERE event_type = ?`

	_, err := sd.db.Db.Exec(query, lastID, sd.RuleCount(), matchCount, eventType)
	return err
}

// target is the one field an analyst looks at first for each event type.
func target(event map[string]interface{}) string {
	if q, ok := event["Query"].(string); ok {
		return q
	}
	if p, ok := event["TargetFilename"].(string); ok {
		return p
	}
	if ip, ok := event["DestinationIp"].(string); ok {
		if port, ok := event["DestinationPort"].(int64); ok {
			return fmt.Sprintf("%s:%d", ip, port)
		}
		return ip
	}
	return ""
}

// StoreMatch stores a rule match in the database
func (sd *Detector) StoreMatch(match MatchResult, event map[string]interface{}, eventType string) error {
	eventDataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	eventID, ok := event["id"].(int64)
	if !ok {
		return fmt.Errorf("event has no valid ID")
	}
	processID, _ := event["ProcessId"].(int64)
	processName, _ := event["Image"].(string)
	application, _ := event["Application"].(string)

	matchDetailsJSON, err := json.Marshal(match.MatchDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal match details: %w", err)
	}

	severity := string(match.Rule.Level)
	if severity == "" {
		severity = "medium"
	}

	now := time.Now().UTC()
	query := `
	INSERT INTO sigma_matches (
		event_id, event_type, rule_id, rule_name,
		process_id, process_name, application, target,
		timestamp, severity, status, match_details, event_data, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'new', ?, ?, ?)`

	_, err = sd.db.Db.Exec(query,
		eventID, eventType, match.Rule.ID, match.Rule.Title,
		processID, processName, application, target(event),
		now, severity, string(matchDetailsJSON), string(eventDataJSON), now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}

	sd.log.Sugar().Infof("Stored match for rule %s: %s", match.Rule.ID, match.Rule.Title)
	return nil
}

// GetMatches retrieves sigma matches from the database with filters
func (sd *Detector) GetMatches(limit int, offset int, filters map[string]string) ([]SigmaMatch, error) {
	query := `
    SELECT
        id, event_id, event_type, rule_id, rule_name,
        process_id, process_name, application, target,
        timestamp, severity, status, match_details, event_data, created_at
    FROM sigma_matches`

	var (
		where []string
		args  []interface{}
	)
	for filter, column := range map[string]string{
		"status":     "status",
		"severity":   "severity",
		"rule":       "rule_id",
		"event_type": "event_type",
	} {
		if v := filters[filter]; v != "" && v != "all" {
			where = append(where, column+" = ?")
			args = append(args, v)
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := sd.db.Db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []SigmaMatch
	for rows.Next() {
		var (
			match                         SigmaMatch
			processName, application, tgt sql.NullString
			matchDetailsJSON, eventData   sql.NullString
		)
		err := rows.Scan(
			&match.ID, &match.EventID, &match.EventType, &match.RuleID, &match.RuleName,
			&match.ProcessID, &processName, &application, &tgt,
			&match.Timestamp, &match.Severity, &match.Status, &matchDetailsJSON, &eventData, &match.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		match.ProcessName = processName.String
		match.Application = application.String
		match.Target = tgt.String
		match.EventData = eventData.String
		if matchDetailsJSON.Valid {
			if err := json.Unmarshal([]byte(matchDetailsJSON.String), &match.MatchDetails); err != nil {
				return nil, fmt.Errorf("match %d: bad match details: %w", match.ID, err)
			}
		}
		matches = append(matches, match)
	}

	return matches, rows.Err()
}

func (sd *Detector) countBy(column string) (map[string]int, error) {
	rows, err := sd.db.Db.Query("SELECT " + column + ", COUNT(*) FROM sigma_matches GROUP BY " + column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

// GetMatchStats retrieves statistics about sigma matches
func (sd *Detector) GetMatchStats() (map[string]interface{}, error) {
	var matchedRules int
	if err := sd.db.Db.QueryRow("SELECT COUNT(DISTINCT rule_id) FROM sigma_matches").Scan(&matchedRules); err != nil {
		return nil, err
	}

	sevCounts, err := sd.countBy("severity")
	if err != nil {
		return nil, err
	}
	statusCounts, err := sd.countBy("status")
	if err != nil {
		return nil, err
	}
	typeCounts, err := sd.countBy("event_type")
	if err != nil {
		return nil, err
	}

	var last24h int
	if err := sd.db.Db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > ?",
		time.Now().UTC().Add(-24*time.Hour)).Scan(&last24h); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"matchedRules":    matchedRules,
		"activeRules":     sd.RuleCount(),
		"alertsLast24h":   last24h,
		"severityCounts":  sevCounts,
		"statusCounts":    statusCounts,
		"eventTypeCounts": typeCounts,
	}, nil
}

// UpdateMatchStatus updates the status of a match
func (sd *Detector) UpdateMatchStatus(matchID int64, newStatus string) error {
	if !validStatuses[newStatus] {
		return fmt.Errorf("invalid status: %s", newStatus)
	}

	res, err := sd.db.Db.Exec("UPDATE sigma_matches SET status = ? WHERE id = ?", newStatus, matchID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("match %d: %w", matchID, sql.ErrNoRows)
	}
	return nil
}
