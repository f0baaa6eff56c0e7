package metrics

import "time"

type TaskMetrics interface {
	TaskCreated()
	TaskPublishFailed()
	TaskCompleted()
	TaskFailed()
	TasksSwept(n int)
	ProcessLatency(d time.Duration)
}

type Nop struct{}

func (Nop) TaskCreated()                 {}
func (Nop) TaskPublishFailed()           {}
func (Nop) TaskCompleted()               {}
func (Nop) TaskFailed()                  {}
func (Nop) TasksSwept(int)               {}
func (Nop) ProcessLatency(time.Duration) {}
