package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// QueryOpts narrows stage candidate queries.
type QueryOpts struct {
	ChannelID string
	Start     time.Time
	End       time.Time
	Limit     int
}

// ShouldProcessOpts controls memoization short-circuiting.
type ShouldProcessOpts struct {
	Force              bool
	ReprocessAfterDays int
}

// SaveStageResult writes one memoization row. Writing the same
// (entity_type, entity_id, stage) replaces the prior row.
func (s *Store) SaveStageResult(ctx context.Context, r StageResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_processing (
			entity_type, entity_id, stage, result_json, model_used,
			tokens_in, tokens_out, guild_id, channel_id, summary_date
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, stage) DO UPDATE SET
			result_json = excluded.result_json,
			model_used = excluded.model_used,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			guild_id = excluded.guild_id,
			channel_id = excluded.channel_id,
			summary_date = excluded.summary_date,
			processed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, r.EntityType, r.EntityID, r.Stage, r.ResultJSON, r.ModelUsed,
		nullInt(r.TokensIn), nullInt(r.TokensOut),
		nullStr(r.GuildID), nullStr(r.ChannelID), nullStr(r.SummaryDate))
	if err != nil {
		return fmt.Errorf("save stage result %s/%s/%s: %w", r.EntityType, r.EntityID, r.Stage, err)
	}
	return nil
}

// GetStageResult reads one memoization row, or nil when absent.
func (s *Store) GetStageResult(ctx context.Context, entityType, entityID, stage string) (*StageResult, error) {
	var r StageResult
	var tokensIn, tokensOut sql.NullInt64
	var guildID, channelID, summaryDate sql.NullString
	var processedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, stage, result_json, model_used,
			tokens_in, tokens_out, guild_id, channel_id, summary_date, processed_at
		FROM ai_processing
		WHERE entity_type = ? AND entity_id = ? AND stage = ?
	`, entityType, entityID, stage).Scan(
		&r.EntityType, &r.EntityID, &r.Stage, &r.ResultJSON, &r.ModelUsed,
		&tokensIn, &tokensOut, &guildID, &channelID, &summaryDate, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage result %s/%s/%s: %w", entityType, entityID, stage, err)
	}
	r.TokensIn = int(tokensIn.Int64)
	r.TokensOut = int(tokensOut.Int64)
	r.GuildID = guildID.String
	r.ChannelID = channelID.String
	r.SummaryDate = summaryDate.String
	r.ProcessedAt = parseTime(processedAt)
	return &r, nil
}

// ShouldProcess reports whether a stage should run for an entity:
// true when no row exists, the row is older than ReprocessAfterDays,
// or Force is set.
func (s *Store) ShouldProcess(ctx context.Context, entityType, entityID, stage string, opts ShouldProcessOpts) (bool, error) {
	if opts.Force {
		return true, nil
	}
	existing, err := s.GetStageResult(ctx, entityType, entityID, stage)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if opts.ReprocessAfterDays > 0 {
		age := time.Since(existing.ProcessedAt)
		if age > time.Duration(opts.ReprocessAfterDays)*24*time.Hour {
			return true, nil
		}
	}
	return false, nil
}

const messageWithAuthorCols = `
	m.id, m.channel_id, m.author_id, m.content, m.clean_content,
	m.timestamp, m.edited_timestamp, m.message_type, m.reference_id,
	m.thread_id, m.has_embeds, m.has_attachments, m.reaction_count,
	u.username, u.global_name, u.is_bot`

func scanMessageWithAuthor(rows *sql.Rows) (MessageWithAuthor, error) {
	var m MessageWithAuthor
	var ts string
	var edited, refID, threadID, globalName sql.NullString
	var hasEmbeds, hasAttachments, isBot int
	err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.CleanContent,
		&ts, &edited, &m.MessageType, &refID, &threadID,
		&hasEmbeds, &hasAttachments, &m.ReactionCount,
		&m.Username, &globalName, &isBot)
	if err != nil {
		return m, err
	}
	m.Timestamp = parseTime(ts)
	if edited.Valid {
		t := parseTime(edited.String)
		m.EditedTimestamp = &t
	}
	m.ReferenceID = refID.String
	m.ThreadID = threadID.String
	m.HasEmbeds = hasEmbeds == 1
	m.HasAttachments = hasAttachments == 1
	m.GlobalName = globalName.String
	m.IsBot = isBot == 1
	return m, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]MessageWithAuthor, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageWithAuthor
	for rows.Next() {
		m, err := scanMessageWithAuthor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Messages returns all messages in scope, ordered by timestamp
// ascending. Used by forced stage runs that ignore memoization.
func (s *Store) Messages(ctx context.Context, opts QueryOpts) ([]MessageWithAuthor, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + messageWithAuthorCols + `
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE 1 = 1`)
	var args []any

	appendScope(&sb, &args, opts)
	sb.WriteString(" ORDER BY m.timestamp ASC")
	appendLimit(&sb, &args, opts.Limit)

	msgs, err := s.queryMessages(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	return msgs, nil
}

// UnprocessedMessages returns messages with no memoization row for
// stage, ordered by timestamp ascending.
func (s *Store) UnprocessedMessages(ctx context.Context, stage string, opts QueryOpts) ([]MessageWithAuthor, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + messageWithAuthorCols + `
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE NOT EXISTS (
			SELECT 1 FROM ai_processing p
			WHERE p.entity_type = 'message' AND p.entity_id = m.id AND p.stage = ?
		)`)
	args := []any{stage}

	appendScope(&sb, &args, opts)
	sb.WriteString(" ORDER BY m.timestamp ASC")
	appendLimit(&sb, &args, opts.Limit)

	msgs, err := s.queryMessages(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("unprocessed messages for %s: %w", stage, err)
	}
	return msgs, nil
}

// ProcessedOpts narrows ProcessedMessages. Channel and time scope
// match QueryOpts so forced re-runs honor the same window flags as
// first runs.
type ProcessedOpts struct {
	KeepOnly  bool
	ChannelID string
	Start     time.Time
	End       time.Time
	Limit     int
}

// ProcessedMessages returns messages joined to their memoization row
// for stage. With KeepOnly, only rows whose result payload has
// keep == 1 survive; the predicate is applied in the WHERE clause
// after the join.
func (s *Store) ProcessedMessages(ctx context.Context, stage string, opts ProcessedOpts) ([]MessageWithAuthor, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + messageWithAuthorCols + `
		FROM messages m
		JOIN users u ON u.id = m.author_id
		JOIN ai_processing p ON p.entity_type = 'message' AND p.entity_id = m.id AND p.stage = ?
		WHERE 1 = 1`)
	args := []any{stage}

	if opts.KeepOnly {
		sb.WriteString(" AND json_extract(p.result_json, '$.keep') = 1")
	}
	appendScope(&sb, &args, QueryOpts{ChannelID: opts.ChannelID, Start: opts.Start, End: opts.End})
	sb.WriteString(" ORDER BY m.timestamp ASC")
	appendLimit(&sb, &args, opts.Limit)

	msgs, err := s.queryMessages(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("processed messages for %s: %w", stage, err)
	}
	return msgs, nil
}

// CategorizeCandidates returns messages the filter stage kept that
// have no categorize row yet.
func (s *Store) CategorizeCandidates(ctx context.Context, opts QueryOpts) ([]MessageWithAuthor, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + messageWithAuthorCols + `
		FROM messages m
		JOIN users u ON u.id = m.author_id
		JOIN ai_processing f ON f.entity_type = 'message' AND f.entity_id = m.id AND f.stage = 'filter'
		WHERE json_extract(f.result_json, '$.keep') = 1
		AND NOT EXISTS (
			SELECT 1 FROM ai_processing c
			WHERE c.entity_type = 'message' AND c.entity_id = m.id AND c.stage = 'categorize'
		)`)
	var args []any

	appendScope(&sb, &args, opts)
	sb.WriteString(" ORDER BY m.timestamp ASC")
	appendLimit(&sb, &args, opts.Limit)

	msgs, err := s.queryMessages(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("categorize candidates: %w", err)
	}
	return msgs, nil
}

// KeptMessagesForDay returns filter-kept messages of one channel
// within [day 00:00Z, day+1 00:00Z), ordered ascending.
func (s *Store) KeptMessagesForDay(ctx context.Context, channelID string, day time.Time) ([]MessageWithAuthor, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	query := `
		SELECT ` + messageWithAuthorCols + `
		FROM messages m
		JOIN users u ON u.id = m.author_id
		JOIN ai_processing f ON f.entity_type = 'message' AND f.entity_id = m.id AND f.stage = 'filter'
		WHERE json_extract(f.result_json, '$.keep') = 1
		AND m.channel_id = ?
		AND m.timestamp >= ? AND m.timestamp < ?
		ORDER BY m.timestamp ASC`

	msgs, err := s.queryMessages(ctx, query, channelID, formatTime(dayStart), formatTime(dayEnd))
	if err != nil {
		return nil, fmt.Errorf("kept messages for %s on %s: %w", channelID, dayStart.Format("2006-01-02"), err)
	}
	return msgs, nil
}

// ChannelsWithKeptMessagesOn lists channels that have at least one
// filter-kept message on the given day.
func (s *Store) ChannelsWithKeptMessagesOn(ctx context.Context, day time.Time) ([]Channel, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.id, c.guild_id, c.name
		FROM channels c
		JOIN messages m ON m.channel_id = c.id
		JOIN ai_processing f ON f.entity_type = 'message' AND f.entity_id = m.id AND f.stage = 'filter'
		WHERE json_extract(f.result_json, '$.keep') = 1
		AND m.timestamp >= ? AND m.timestamp < ?
		ORDER BY c.id
	`, formatTime(dayStart), formatTime(dayEnd))
	if err != nil {
		return nil, fmt.Errorf("channels with kept messages: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.GuildID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DailySummariesInRange returns daily summary rows whose summary_date
// falls in [start, end], selected by the dedicated date column.
func (s *Store) DailySummariesInRange(ctx context.Context, guildID string, start, end time.Time) ([]StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, stage, result_json, model_used,
			COALESCE(tokens_in, 0), COALESCE(tokens_out, 0),
			COALESCE(guild_id, ''), COALESCE(channel_id, ''), COALESCE(summary_date, ''),
			processed_at
		FROM ai_processing
		WHERE entity_type = 'daily_summary'
		AND (guild_id = ? OR guild_id IS NULL)
		AND summary_date >= ? AND summary_date <= ?
		ORDER BY summary_date ASC, channel_id ASC
	`, guildID, start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("daily summaries in range: %w", err)
	}
	defer rows.Close()

	var out []StageResult
	for rows.Next() {
		var r StageResult
		var processedAt string
		if err := rows.Scan(&r.EntityType, &r.EntityID, &r.Stage, &r.ResultJSON, &r.ModelUsed,
			&r.TokensIn, &r.TokensOut, &r.GuildID, &r.ChannelID, &r.SummaryDate, &processedAt); err != nil {
			return nil, err
		}
		r.ProcessedAt = parseTime(processedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExtractCandidates returns high-relevance messages: filter-kept, and
// either not yet categorized or rated high/medium marketing relevance.
// Ordered newest first.
func (s *Store) ExtractCandidates(ctx context.Context, opts QueryOpts) ([]MessageWithAuthor, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + messageWithAuthorCols + `
		FROM messages m
		JOIN users u ON u.id = m.author_id
		JOIN ai_processing f ON f.entity_type = 'message' AND f.entity_id = m.id AND f.stage = 'filter'
		LEFT JOIN ai_processing c ON c.entity_type = 'message' AND c.entity_id = m.id AND c.stage = 'categorize'
		WHERE json_extract(f.result_json, '$.keep') = 1
		AND (c.entity_id IS NULL
			OR json_extract(c.result_json, '$.marketing_relevance') IN ('high', 'medium'))`)
	var args []any

	appendScope(&sb, &args, opts)
	sb.WriteString(" ORDER BY m.timestamp DESC")
	appendLimit(&sb, &args, opts.Limit)

	msgs, err := s.queryMessages(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("extract candidates: %w", err)
	}
	return msgs, nil
}

// InsertExtract appends one marketing extract and returns its id.
func (s *Store) InsertExtract(ctx context.Context, e Extract) (int64, error) {
	topics := "[]"
	if len(e.Topics) > 0 {
		data, err := json.Marshal(e.Topics)
		if err != nil {
			return 0, fmt.Errorf("marshal topics: %w", err)
		}
		topics = string(data)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO marketing_extracts (
			source_type, source_id, extract_type, title, content,
			formatted_content, relevance_score, sentiment, topics,
			requires_permission, permission_granted
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SourceType, e.SourceID, e.ExtractType, nullStr(e.Title), e.Content,
		nullStr(e.FormattedContent), e.RelevanceScore, e.Sentiment, topics,
		boolInt(e.RequiresPermission), boolInt(e.PermissionGranted))
	if err != nil {
		return 0, fmt.Errorf("insert extract: %w", err)
	}
	return res.LastInsertId()
}

// ExtractsNeedingFormat returns extracts with no formatted content yet.
func (s *Store) ExtractsNeedingFormat(ctx context.Context, limit int) ([]Extract, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, source_type, source_id, extract_type, COALESCE(title, ''),
			content, COALESCE(formatted_content, ''), relevance_score,
			sentiment, topics, requires_permission, permission_granted, created_at
		FROM marketing_extracts
		WHERE formatted_content IS NULL
		ORDER BY id ASC`)
	var args []any
	appendLimit(&sb, &args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("extracts needing format: %w", err)
	}
	defer rows.Close()

	var out []Extract
	for rows.Next() {
		e, err := scanExtract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExtracts returns extracts, optionally filtered by type.
func (s *Store) ListExtracts(ctx context.Context, extractType string, limit int) ([]Extract, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, source_type, source_id, extract_type, COALESCE(title, ''),
			content, COALESCE(formatted_content, ''), relevance_score,
			sentiment, topics, requires_permission, permission_granted, created_at
		FROM marketing_extracts
		WHERE 1 = 1`)
	var args []any
	if extractType != "" {
		sb.WriteString(" AND extract_type = ?")
		args = append(args, extractType)
	}
	sb.WriteString(" ORDER BY id ASC")
	appendLimit(&sb, &args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list extracts: %w", err)
	}
	defer rows.Close()

	var out []Extract
	for rows.Next() {
		e, err := scanExtract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExtract(rows *sql.Rows) (Extract, error) {
	var e Extract
	var topics, createdAt string
	var requiresPerm, permGranted int
	err := rows.Scan(&e.ID, &e.SourceType, &e.SourceID, &e.ExtractType, &e.Title,
		&e.Content, &e.FormattedContent, &e.RelevanceScore, &e.Sentiment,
		&topics, &requiresPerm, &permGranted, &createdAt)
	if err != nil {
		return e, err
	}
	if topics != "" {
		_ = json.Unmarshal([]byte(topics), &e.Topics)
	}
	e.RequiresPermission = requiresPerm == 1
	e.PermissionGranted = permGranted == 1
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// UpdateExtractFormatted stores the formatted copy for one extract.
func (s *Store) UpdateExtractFormatted(ctx context.Context, id int64, formatted string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE marketing_extracts SET formatted_content = ? WHERE id = ?
	`, formatted, id)
	if err != nil {
		return fmt.Errorf("update extract %d: %w", id, err)
	}
	return nil
}

// ResetStage deletes all memoization rows for one stage.
func (s *Store) ResetStage(ctx context.Context, stage string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ai_processing WHERE stage = ?`, stage)
	if err != nil {
		return 0, fmt.Errorf("reset stage %s: %w", stage, err)
	}
	return res.RowsAffected()
}

// StageCounts returns memoization row counts per stage.
func (s *Store) StageCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, COUNT(*) FROM ai_processing GROUP BY stage
	`)
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[stage] = n
	}
	return counts, rows.Err()
}

// ExtractCounts returns extract counts per type.
func (s *Store) ExtractCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT extract_type, COUNT(*) FROM marketing_extracts GROUP BY extract_type
	`)
	if err != nil {
		return nil, fmt.Errorf("extract counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

func appendScope(sb *strings.Builder, args *[]any, opts QueryOpts) {
	if opts.ChannelID != "" {
		sb.WriteString(" AND m.channel_id = ?")
		*args = append(*args, opts.ChannelID)
	}
	if !opts.Start.IsZero() {
		sb.WriteString(" AND m.timestamp >= ?")
		*args = append(*args, formatTime(opts.Start))
	}
	if !opts.End.IsZero() {
		sb.WriteString(" AND m.timestamp <= ?")
		*args = append(*args, formatTime(opts.End))
	}
}

func appendLimit(sb *strings.Builder, args *[]any, limit int) {
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		*args = append(*args, limit)
	}
}
