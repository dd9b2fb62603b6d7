package model

import "errors"

// NotificationCategory groups notifications for produced/seen accounting.
type NotificationCategory string

const (
	NotifyAnnouncement    NotificationCategory = "announcement"
	NotifyMention         NotificationCategory = "mention"
	NotifyAlertWord       NotificationCategory = "alertword"
	NotifyConversationMsg NotificationCategory = "conversationmsg"
	NotifyModeration      NotificationCategory = "moderation"
)

var ErrUnknownCategory = errors.New("unknown notification category")

// NotificationCategories lists every category in display order.
func NotificationCategories() []NotificationCategory {
	return []NotificationCategory{
		NotifyAnnouncement,
		NotifyMention,
		NotifyAlertWord,
		NotifyConversationMsg,
		NotifyModeration,
	}
}

// ParseNotificationCategory converts a string to a known category.
func ParseNotificationCategory(s string) (NotificationCategory, error) {
	for _, c := range NotificationCategories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", ErrUnknownCategory
}
