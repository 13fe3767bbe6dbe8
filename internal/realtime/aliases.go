package realtime

// aliases.go — wire event name → event category table.
//
// The backend emits fine-grained event names; handlers subscribe to coarse
// categories. Several wire names exist for historical reasons (the backend
// renamed events across versions without dropping the old names), so the
// table is many-to-one.

import "github.com/davidpark/courierlink/internal/types"

var wireAliases = map[string]types.EventCategory{
	"order_created":        types.CategoryOrderChanged,
	"order_status_changed": types.CategoryOrderChanged,
	"order_completed":      types.CategoryOrderChanged,

	"delivery_status_changed": types.CategoryDeliveryStatus,
	"delivery_status_updated": types.CategoryDeliveryStatus,

	"driver_location": types.CategoryLocation,

	"notification":         types.CategoryNotification,
	"notification_created": types.CategoryNotification,

	"chat_message": types.CategoryChat,

	"driver_online":  types.CategoryPresence,
	"driver_offline": types.CategoryPresence,
}

// Category resolves a wire event name to its handler category.
// Unknown names return ok=false and are dropped by the dispatch loop.
func Category(event string) (types.EventCategory, bool) {
	c, ok := wireAliases[event]
	return c, ok
}
