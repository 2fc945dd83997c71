package common

import (
	"strings"
	"unicode"
)

// Top-level namespaces of the low-latency store
const (
	NamespaceSync      = "sync"
	NamespaceStatus    = "status"
	NamespaceChats     = "chats"
	NamespaceInventory = "inventory"
	NamespaceAnalytics = "analytics"
	NamespaceRecent    = "recent_events"
)

// Collection names used in the primary store
const (
	CollectionUsers     = "users"
	CollectionOrders    = "orders"
	CollectionProducts  = "products"
	CollectionAnalytics = "analytics"
)

// JoinPath joins path segments with "/"
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitPath splits a path into its segments
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ParentAndKey returns the parent path and the last segment
func ParentAndKey(path string) (string, string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// MirrorPath addresses the mirror node of a primary-store document
func MirrorPath(collection, entity string) string {
	return JoinPath(NamespaceSync, collection, entity)
}

// MirrorRoot addresses the mirrored subtree of a collection
func MirrorRoot(collection string) string {
	return JoinPath(NamespaceSync, collection)
}

// StatusPath addresses the ephemeral presence record of an identity
func StatusPath(identity string) string {
	return JoinPath(NamespaceStatus, identity)
}

// ChatPath addresses the root of a chat
func ChatPath(chatID string) string {
	return JoinPath(NamespaceChats, chatID)
}

// ChatMessagesPath addresses the message list of a chat
func ChatMessagesPath(chatID string) string {
	return JoinPath(NamespaceChats, chatID, "messages")
}

// ChatUnreadPath addresses the unread counter of one participant in a chat
func ChatUnreadPath(chatID, userID string) string {
	return JoinPath(NamespaceChats, chatID, "unread", userID)
}

// ChatParticipantsPath addresses the participant set of a chat
func ChatParticipantsPath(chatID string) string {
	return JoinPath(NamespaceChats, chatID, "participants")
}

// ChatLastMessagePath addresses the latest-message summary of a chat
func ChatLastMessagePath(chatID string) string {
	return JoinPath(NamespaceChats, chatID, "lastMessage")
}

// InventoryPath addresses the stock counter of a product
func InventoryPath(productID string) string {
	return JoinPath(NamespaceInventory, productID)
}

// AnalyticsCountPath addresses the all-time counter of an analytics event
func AnalyticsCountPath(eventName string) string {
	return JoinPath(NamespaceAnalytics, eventName, "count")
}

// AnalyticsDailyPath addresses the per-day counter of an analytics event.
// date is formatted as YYYY-MM-DD.
func AnalyticsDailyPath(eventName, date string) string {
	return JoinPath(NamespaceAnalytics, eventName, "daily", date)
}

// ValidateSegment checks a single path segment (identity, collection, entity id)
func ValidateSegment(field, segment string) error {
	if segment == "" {
		return Invalid(field, segment, "must not be empty")
	}
	if segment == "." || segment == ".." {
		return Invalid(field, segment, "reserved segment")
	}
	if len(segment) > 768 {
		return Invalid(field, segment[:32]+"...", "segment too long")
	}
	for _, r := range segment {
		switch {
		case r == '/':
			return Invalid(field, segment, "must not contain '/'")
		case r == '#' || r == '$' || r == '[' || r == ']':
			return Invalid(field, segment, "must not contain '#', '$', '[' or ']'")
		case unicode.IsControl(r):
			return Invalid(field, segment, "must not contain control characters")
		}
	}
	return nil
}

// ValidatePath checks a slash-separated node address
func ValidatePath(path string) error {
	if path == "" {
		return Invalid("path", path, "must not be empty")
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return Invalid("path", path, "must not start or end with '/'")
	}
	for _, seg := range SplitPath(path) {
		if err := ValidateSegment("path", seg); err != nil {
			return Invalid("path", path, err.(*ValidationError).Reason)
		}
	}
	return nil
}

// HasPrefixPath reports whether path equals prefix or lies beneath it
func HasPrefixPath(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
