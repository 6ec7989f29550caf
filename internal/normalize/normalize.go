// Package normalize maps heterogeneous upstream record shapes into the
// canonical entity and edge forms consumed by the ingestion engine. The
// upstream mixes camelCase and snake_case keys, embeds authors and submolts
// as either objects or bare strings, and wraps moderators in several shapes;
// everything funnels through here so the engine sees exactly one form.
package normalize

import (
	"fmt"
)

// Completeness tags how much of an Agent a source could observe. The engine
// uses it to decide whether the observation may stamp
// profile_last_fetched_at; field-level non-regression falls out of partial
// records simply omitting the fields they did not see.
type Completeness string

const (
	// CompletenessPartial marks an agent embedded in a post, comment, or
	// moderator record: name plus whatever display fields rode along.
	CompletenessPartial Completeness = "partial"
	// CompletenessProfile marks a dedicated profile fetch: the full record.
	CompletenessProfile Completeness = "profile"
)

// SchemaMismatchError reports a record missing a required key with no
// fallback source context to supply it.
type SchemaMismatchError struct {
	Entity string
	Field  string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: %s record missing required %q", e.Entity, e.Field)
}

// Agent is the canonical agent observation.
type Agent struct {
	Name         string
	Completeness Completeness
	Props        map[string]any
}

// Submolt is the canonical submolt observation.
type Submolt struct {
	Name  string
	Props map[string]any
}

// Post is the canonical post observation plus its implied edges.
type Post struct {
	ID          string
	SubmoltName string
	SubmoltID   string
	AuthorName  string
	Author      *Agent
	Props       map[string]any
}

// Comment is the canonical comment observation. ParentID is empty unless a
// valid REPLY_TO edge should exist.
type Comment struct {
	ID         string
	PostID     string
	ParentID   string
	AuthorName string
	Author     *Agent
	Props      map[string]any
}

// Moderator is one member of a submolt's current moderator set.
type Moderator struct {
	Agent Agent
	Role  string
}

// FeedEntry is one ranked slot of a feed snapshot.
type FeedEntry struct {
	Post Post
	Rank int
}

// AgentRecord normalizes an agent object. Required: name.
func AgentRecord(raw map[string]any, completeness Completeness) (Agent, error) {
	name := str(raw, "name")
	if name == "" {
		return Agent{}, &SchemaMismatchError{Entity: "agent", Field: "name"}
	}
	props := map[string]any{}
	putStr(props, "display_name", raw, "displayName", "display_name")
	putStr(props, "description", raw, "description")
	putStr(props, "avatar_url", raw, "avatarUrl", "avatar_url")
	putStr(props, "status", raw, "status")
	putStr(props, "created_at", raw, "createdAt", "created_at")
	putStr(props, "updated_at", raw, "updatedAt", "updated_at")
	putStr(props, "claimed_at", raw, "claimed_at")
	putStr(props, "last_active", raw, "lastActive", "last_active")
	putStr(props, "owner_twitter_id", raw, "owner_twitter_id")
	putStr(props, "owner_twitter_handle", raw, "owner_twitter_handle")
	putNum(props, "karma", raw, "karma")
	putNum(props, "follower_count", raw, "followerCount", "follower_count")
	putNum(props, "following_count", raw, "followingCount", "following_count")
	putBool(props, "is_claimed", raw, "isClaimed", "is_claimed")
	putBool(props, "is_active", raw, "isActive", "is_active")
	return Agent{Name: name, Completeness: completeness, Props: props}, nil
}

// SubmoltRecord normalizes a submolt reference: either a full object or a
// bare name string.
func SubmoltRecord(raw any) (Submolt, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return Submolt{}, &SchemaMismatchError{Entity: "submolt", Field: "name"}
		}
		return Submolt{Name: v, Props: map[string]any{}}, nil
	case map[string]any:
		name := str(v, "name")
		if name == "" {
			return Submolt{}, &SchemaMismatchError{Entity: "submolt", Field: "name"}
		}
		props := map[string]any{}
		putStr(props, "display_name", v, "displayName", "display_name")
		putStr(props, "description", v, "description")
		putStr(props, "avatar_url", v, "avatarUrl", "avatar_url")
		putStr(props, "banner_url", v, "bannerUrl", "banner_url")
		putStr(props, "banner_color", v, "bannerColor", "banner_color")
		putStr(props, "theme_color", v, "themeColor", "theme_color")
		putStr(props, "created_at", v, "createdAt", "created_at")
		putStr(props, "updated_at", v, "updatedAt", "updated_at")
		putNum(props, "subscriber_count", v, "subscriberCount", "subscriber_count")
		putNum(props, "post_count", v, "postCount", "post_count")
		return Submolt{Name: name, Props: props}, nil
	}
	return Submolt{}, &SchemaMismatchError{Entity: "submolt", Field: "name"}
}

// SubmoltName extracts just the name from an embedded submolt reference.
func SubmoltName(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case map[string]any:
		return str(v, "name")
	}
	return ""
}

// PostRecord normalizes a post listing or detail object. Required: id,
// author name (embedded object or author_name), submolt name.
func PostRecord(raw map[string]any) (Post, error) {
	id := str(raw, "id")
	if id == "" {
		return Post{}, &SchemaMismatchError{Entity: "post", Field: "id"}
	}

	authorName, author := embeddedAuthor(raw)
	if authorName == "" {
		return Post{}, &SchemaMismatchError{Entity: "post", Field: "author"}
	}

	submoltName := SubmoltName(raw["submolt"])
	if submoltName == "" {
		return Post{}, &SchemaMismatchError{Entity: "post", Field: "submolt"}
	}
	submoltID := ""
	if sub, ok := raw["submolt"].(map[string]any); ok {
		submoltID = str(sub, "id")
	}

	props := map[string]any{
		"submolt": submoltName,
	}
	putStr(props, "title", raw, "title")
	putStr(props, "content", raw, "content")
	putStr(props, "url", raw, "url")
	putStr(props, "type", raw, "type")
	putStr(props, "created_at", raw, "createdAt", "created_at")
	putStr(props, "updated_at", raw, "updatedAt", "updated_at")
	putNum(props, "score", raw, "score")
	putNum(props, "upvotes", raw, "upvotes")
	putNum(props, "downvotes", raw, "downvotes")
	putNum(props, "comment_count", raw, "commentCount", "comment_count")
	putNum(props, "hot_score", raw, "hotScore", "hot_score")
	putBool(props, "is_pinned", raw, "isPinned", "is_pinned")
	putBool(props, "is_locked", raw, "isLocked", "is_locked")
	putBool(props, "is_deleted", raw, "isDeleted", "is_deleted")
	if submoltID != "" {
		props["submolt_id"] = submoltID
	}

	return Post{
		ID:          id,
		SubmoltName: submoltName,
		SubmoltID:   submoltID,
		AuthorName:  authorName,
		Author:      author,
		Props:       props,
	}, nil
}

// CommentRecords flattens a comment tree (each comment may nest replies of
// unbounded depth) into canonical records with explicit parent linkage. A
// parent id equal to the comment's own id, or a missing author, drops the
// record rather than failing the batch; the dropped count is returned so the
// caller can log it.
func CommentRecords(tree []map[string]any, postID string) (records []Comment, dropped int) {
	var walk func(node map[string]any, parentID string)
	walk = func(node map[string]any, parentID string) {
		replies := listField(node, "replies")

		id := str(node, "id")
		if id == "" {
			dropped++
		} else {
			rec, err := commentRecord(node, postID, parentID)
			if err != nil {
				dropped++
			} else {
				records = append(records, rec)
			}
			for _, r := range replies {
				walk(r, id)
			}
			return
		}
		for _, r := range replies {
			walk(r, parentID)
		}
	}
	for _, c := range tree {
		walk(c, str(c, "parent_id"))
	}
	return records, dropped
}

func commentRecord(raw map[string]any, postID, parentID string) (Comment, error) {
	id := str(raw, "id")
	if id == "" {
		return Comment{}, &SchemaMismatchError{Entity: "comment", Field: "id"}
	}
	if pid := str(raw, "post_id"); pid != "" {
		postID = pid
	}
	if postID == "" {
		return Comment{}, &SchemaMismatchError{Entity: "comment", Field: "post_id"}
	}
	authorName, author := embeddedAuthor(raw)
	if authorName == "" {
		return Comment{}, &SchemaMismatchError{Entity: "comment", Field: "author"}
	}
	if explicit := str(raw, "parent_id"); explicit != "" {
		parentID = explicit
	}
	// A self-referential parent would create a reply cycle; drop the edge,
	// keep the comment.
	if parentID == id {
		parentID = ""
	}

	props := map[string]any{
		"post_id": postID,
	}
	putStr(props, "content", raw, "content")
	putStr(props, "created_at", raw, "createdAt", "created_at")
	putStr(props, "updated_at", raw, "updatedAt", "updated_at")
	putNum(props, "score", raw, "score")
	putNum(props, "upvotes", raw, "upvotes")
	putNum(props, "downvotes", raw, "downvotes")
	putNum(props, "reply_count", raw, "replyCount", "reply_count")
	putNum(props, "depth", raw, "depth")
	putBool(props, "is_deleted", raw, "isDeleted", "is_deleted")

	return Comment{
		ID:         id,
		PostID:     postID,
		ParentID:   parentID,
		AuthorName: authorName,
		Author:     author,
		Props:      props,
	}, nil
}

// ModeratorRecords normalizes the moderator set for a submolt. Observed
// wrapper shapes: {"name": ...}, {"agent_name": ...}, {"agent": "name"},
// {"agent": {full agent object}}, each optionally carrying a role.
func ModeratorRecords(raw []map[string]any) []Moderator {
	out := make([]Moderator, 0, len(raw))
	for _, m := range raw {
		role := str(m, "role")
		if role == "" {
			role = "moderator"
		}

		var agent Agent
		var err error
		switch af := m["agent"].(type) {
		case map[string]any:
			agent, err = AgentRecord(af, CompletenessPartial)
		case string:
			if af != "" {
				agent = Agent{Name: af, Completeness: CompletenessPartial, Props: map[string]any{}}
			} else {
				err = &SchemaMismatchError{Entity: "moderator", Field: "agent"}
			}
		default:
			name := str(m, "name")
			if name == "" {
				name = str(m, "agent_name")
			}
			if name == "" {
				err = &SchemaMismatchError{Entity: "moderator", Field: "name"}
				break
			}
			agent, err = AgentRecord(m, CompletenessPartial)
			if err != nil {
				agent = Agent{Name: name, Completeness: CompletenessPartial, Props: map[string]any{}}
				err = nil
			}
		}
		if err != nil {
			continue
		}
		out = append(out, Moderator{Agent: agent, Role: role})
	}
	return out
}

// FeedEntries normalizes a feed page into ranked snapshot entries, skipping
// records without an id. Rank counts from 1 in page order.
func FeedEntries(items []map[string]any) []FeedEntry {
	out := make([]FeedEntry, 0, len(items))
	for _, item := range items {
		post, err := PostRecord(item)
		if err != nil {
			// Feed rows can be sparser than listing rows; keep what has an
			// id even if author/submolt are absent.
			id := str(item, "id")
			if id == "" {
				continue
			}
			props := map[string]any{}
			putStr(props, "title", item, "title")
			putStr(props, "created_at", item, "createdAt", "created_at")
			putNum(props, "score", item, "score")
			if name := SubmoltName(item["submolt"]); name != "" {
				props["submolt"] = name
			}
			post = Post{ID: id, Props: props}
		}
		out = append(out, FeedEntry{Post: post, Rank: len(out) + 1})
	}
	return out
}

// embeddedAuthor extracts the author reference shared by posts and comments:
// an embedded object, a bare string, or a sibling author_name field.
func embeddedAuthor(raw map[string]any) (string, *Agent) {
	switch a := raw["author"].(type) {
	case map[string]any:
		rec, err := AgentRecord(a, CompletenessPartial)
		if err != nil {
			return "", nil
		}
		return rec.Name, &rec
	case string:
		if a == "" {
			return "", nil
		}
		return a, &Agent{Name: a, Completeness: CompletenessPartial, Props: map[string]any{}}
	}
	if name := str(raw, "author_name"); name != "" {
		return name, &Agent{Name: name, Completeness: CompletenessPartial, Props: map[string]any{}}
	}
	return "", nil
}

// --- field helpers ---

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func listField(m map[string]any, key string) []map[string]any {
	v, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(v))
	for _, item := range v {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func putStr(props map[string]any, name string, raw map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := raw[k].(string); ok && v != "" {
			props[name] = v
			return
		}
	}
}

func putNum(props map[string]any, name string, raw map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := raw[k].(float64); ok {
			props[name] = int64(v)
			return
		}
	}
}

func putBool(props map[string]any, name string, raw map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := raw[k].(bool); ok {
			props[name] = v
			return
		}
	}
}
