package bus

// Graph event topics.
const (
	TopicTaskCreated       = "task.created"
	TopicTaskUpdated       = "task.updated"
	TopicTaskDeleted       = "task.deleted"
	TopicDependencyAdded   = "dependency.added"
	TopicDependencyRemoved = "dependency.removed"
)

// GraphEvent is the payload of every graph topic. DependsOnID is zero for
// task topics.
type GraphEvent struct {
	SessionID   string `json:"session_id"`
	TaskID      int64  `json:"task_id"`
	DependsOnID int64  `json:"depends_on_id,omitempty"`
	Status      string `json:"status,omitempty"`
}
