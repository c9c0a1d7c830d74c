// Package board holds the scrum board state: partitioning tasks into status
// columns, applying drag gestures optimistically, and tracking whether each
// moved task's new status has been acknowledged by the backend.
package board
