package transcript

import (
	"chatsync/identity"
	"chatsync/models"
)

// SenderLabels reports, for each item, whether the sender name should be shown:
// true at the start of every run of consecutive messages from one sender.
func SenderLabels(items []models.Item) []bool {
	labels := make([]bool, len(items))
	previous := ""
	for i, item := range items {
		sender := identity.Normalize(item.Message.Sender)
		labels[i] = i == 0 || sender != previous
		previous = sender
	}
	return labels
}
