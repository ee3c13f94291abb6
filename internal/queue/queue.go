package queue

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/oklog/ulid/v2"
)

var logger = loggo.GetLogger("upgradeapp.queue")

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ActionFunc does the work of a job. progress publishes a message to
// subscribers.
type ActionFunc func(ctx context.Context, progress func(string)) (any, error)

// Job represents a task to be executed by a worker.
type Job struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Created     time.Time  `json:"created"`
	Started     *time.Time `json:"started,omitempty"`
	Finished    *time.Time `json:"finished,omitempty"`

	action ActionFunc
}

// Event is published on every job state change and progress message.
type Event struct {
	JobID   string    `json:"job_id"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Queue holds submitted jobs and feeds them to workers.
type Queue struct {
	jobs chan *Job

	mu          sync.RWMutex
	byID        map[string]*Job
	order       []string
	subscribers map[int]chan Event
	nextSub     int
	closed      bool

	workers []Worker
	wg      sync.WaitGroup
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// New creates a queue holding at most size pending jobs.
func New(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		jobs:        make(chan *Job, size),
		byID:        make(map[string]*Job),
		subscribers: make(map[int]chan Event),
		entropy:     ulid.Monotonic(rand.Reader, 0),
		now:         time.Now,
	}
}

// Submit queues action and returns a snapshot of the new job.
func (q *Queue) Submit(description string, action ActionFunc) (Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, errors.New("queue is stopped")
	}
	now := q.now()
	job := &Job{
		ID:          ulid.MustNew(ulid.Timestamp(now), q.entropy).String(),
		Description: description,
		Status:      StatusQueued,
		Created:     now,
		action:      action,
	}
	if len(q.jobs) == cap(q.jobs) {
		q.mu.Unlock()
		return Job{}, errors.Errorf("queue is full (%d jobs pending)", cap(q.jobs))
	}
	q.byID[job.ID] = job
	q.order = append(q.order, job.ID)
	q.publishLocked(Event{JobID: job.ID, Status: StatusQueued, Message: description, Time: now})
	// Only Submit sends, under q.mu, so the capacity check above holds.
	q.jobs <- job
	snapshot := *job
	q.mu.Unlock()

	logger.Infof("queued job %s: %s", job.ID, description)
	return snapshot, nil
}

// Get returns a snapshot of the job with id.
func (q *Queue) Get(id string) (Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.byID[id]
	if !ok {
		return Job{}, errors.NotFoundf("job %q", id)
	}
	return *job, nil
}

// List returns snapshots of all jobs in submission order.
func (q *Queue) List() []Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	jobs := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		jobs = append(jobs, *q.byID[id])
	}
	return jobs
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Slow subscribers miss events rather than block workers.
func (q *Queue) Subscribe(buffer int) (<-chan Event, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSub
	q.nextSub++
	ch := make(chan Event, buffer)
	q.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if _, ok := q.subscribers[id]; ok {
				delete(q.subscribers, id)
				close(ch)
			}
		})
	}
}

func (q *Queue) publish(ev Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	q.publishLocked(ev)
}

func (q *Queue) publishLocked(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = q.now()
	}
	for _, ch := range q.subscribers {
		select {
		case ch <- ev:
		default:
			logger.Debugf("dropping event for slow subscriber: job %s %s", ev.JobID, ev.Status)
		}
	}
}

// Start creates and starts nworkers workers.
func (q *Queue) Start(ctx context.Context, nworkers int) {
	for i := 1; i <= nworkers; i++ {
		worker := NewWorker(i, q)
		q.workers = append(q.workers, worker)
		q.wg.Add(1)
		worker.Start(ctx)
	}
}

// Stop stops accepting jobs, lets workers finish the pending ones and waits
// for them. Subscriptions are closed.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, ch := range q.subscribers {
		delete(q.subscribers, id)
		close(ch)
	}
}

func (q *Queue) update(job *Job, fn func(*Job)) {
	q.mu.Lock()
	fn(job)
	q.mu.Unlock()
}

func (q *Queue) run(ctx context.Context, workerID int, job *Job) {
	started := q.now()
	q.update(job, func(j *Job) {
		j.Status = StatusRunning
		j.Started = &started
	})
	logger.Infof("worker %d: running job %s", workerID, job.ID)
	q.publish(Event{JobID: job.ID, Status: StatusRunning, Message: job.Description})

	progress := func(msg string) {
		q.publish(Event{JobID: job.ID, Status: StatusRunning, Message: msg})
	}
	result, err := job.action(ctx, progress)

	finished := q.now()
	status := StatusSucceeded
	message := "done"
	if err != nil {
		status = StatusFailed
		message = err.Error()
		logger.Errorf("worker %d: error processing job %s: %v", workerID, job.ID, err)
	}
	q.update(job, func(j *Job) {
		j.Status = status
		j.Result = result
		j.Finished = &finished
		if err != nil {
			j.Error = err.Error()
		}
	})
	q.publish(Event{JobID: job.ID, Status: status, Message: message})
}

// Worker pulls jobs from the queue and executes them.
type Worker struct {
	ID    int
	queue *Queue
}

// NewWorker creates a new worker.
func NewWorker(id int, q *Queue) Worker {
	return Worker{ID: id, queue: q}
}

// Start makes the worker listen for jobs until the queue is stopped. ctx is
// handed to every job action.
func (w Worker) Start(ctx context.Context) {
	go func() {
		defer w.queue.wg.Done()
		for job := range w.queue.jobs {
			w.queue.run(ctx, w.ID, job)
		}
	}()
}
