package workstore

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so several
// muster instances can share one Redis server.
//
// Key pattern: muster:{instance_name}:{entity}:{id}
// Channel pattern: muster:{instance_name}:{event_type}_events

// ItemKey returns the Redis hash key for a work item.
// Pattern: muster:{instance_name}:item:{item_id}
func ItemKey(instanceName, itemID string) string {
	return fmt.Sprintf("muster:%s:item:%s", instanceName, itemID)
}

// ItemKeyPrefix returns the prefix shared by all item hash keys.
func ItemKeyPrefix(instanceName string) string {
	return fmt.Sprintf("muster:%s:item:", instanceName)
}

// DependsOnKey returns the Redis set holding the ids an item depends on.
// Pattern: muster:{instance_name}:deps:{item_id}
func DependsOnKey(instanceName, itemID string) string {
	return fmt.Sprintf("muster:%s:deps:%s", instanceName, itemID)
}

// BlocksKey returns the Redis set holding the ids that depend on an item.
// Pattern: muster:{instance_name}:blocks:{item_id}
func BlocksKey(instanceName, itemID string) string {
	return fmt.Sprintf("muster:%s:blocks:%s", instanceName, itemID)
}

// StatusIndexKey returns the sorted set of item ids in a status, scored by creation time.
// Pattern: muster:{instance_name}:index:status:{status}
func StatusIndexKey(instanceName string, status Status) string {
	return fmt.Sprintf("muster:%s:index:status:%s", instanceName, status)
}

// AssigneeIndexKey returns the sorted set of item ids held by an assignee.
// Pattern: muster:{instance_name}:index:assignee:{assignee}
func AssigneeIndexKey(instanceName, assignee string) string {
	return fmt.Sprintf("muster:%s:index:assignee:%s", instanceName, assignee)
}

// GroupIndexKey returns the sorted set of item ids in a convoy group.
// Pattern: muster:{instance_name}:index:group:{group_id}
func GroupIndexKey(instanceName, groupID string) string {
	return fmt.Sprintf("muster:%s:index:group:%s", instanceName, groupID)
}

// GraphEpochKey returns the counter bumped on every dependency edge change.
// Edge insertions WATCH it so two concurrent insertions cannot jointly close a cycle.
// Pattern: muster:{instance_name}:graph_epoch
func GraphEpochKey(instanceName string) string {
	return fmt.Sprintf("muster:%s:graph_epoch", instanceName)
}

// ItemEventsChannel returns the Pub/Sub channel carrying item mutations.
// Pattern: muster:{instance_name}:item_events
func ItemEventsChannel(instanceName string) string {
	return fmt.Sprintf("muster:%s:item_events", instanceName)
}
