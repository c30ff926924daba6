package pool

import (
	"sync"
	"time"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
)

// GenericPool is a generic sync.Pool wrapper
type GenericPool[T any] struct {
	pool *sync.Pool
}

// NewGenericPool creates a new generic pool with a factory function
func NewGenericPool[T any](factory func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: &sync.Pool{
			New: func() interface{} {
				return factory()
			},
		},
	}
}

// Get retrieves an object from the pool or creates a new one
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an object to the pool
func (p *GenericPool[T]) Put(obj T) {
	p.pool.Put(obj)
}

// DeliveryJob is one encoded bar waiting to be fanned out to its subscribers.
type DeliveryJob struct {
	Key     ds.SubscriptionKey
	Frame   []byte
	BarTime time.Time
}

// ObjectPool holds the pools of the fan-out hot path.
type ObjectPool struct {
	DeliveryJob *GenericPool[*DeliveryJob]
}

func NewObjectPool() *ObjectPool {
	return &ObjectPool{
		DeliveryJob: NewGenericPool(func() *DeliveryJob {
			return &DeliveryJob{}
		}),
	}
}

// ResetDeliveryJob clears job and returns it to the pool. The frame is shared
// by every subscriber write, so only the reference is dropped.
func (p *ObjectPool) ResetDeliveryJob(job *DeliveryJob) {
	job.Key = ds.SubscriptionKey{}
	job.Frame = nil
	job.BarTime = time.Time{}
	p.DeliveryJob.Put(job)
}
