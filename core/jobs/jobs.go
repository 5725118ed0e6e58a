/*Package jobs is a reliable job queue in postgres.

Jobs are database notifications about changed documents or higher level
events. They are written in the same transaction as the change that caused
them, so they are never lost and never delivered for a rolled back change.

Workers pick jobs with FOR UPDATE SKIP LOCKED. A job gets at most 4 attempts;
failed attempts are retried after 5, 15 and 45 minutes. Jobs without attempts
left stay in the table and show up as failed in the health report.
*/
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/metrics"
)

// Notification is a database notification. Receive them
// with HandleResourceNotification()
type Notification struct {
	Resource   string
	ResourceID uuid.UUID
	Operation  core.Operation
	Payload    []byte
}

// Event is a higher level event. Receive them with HandleEvent(), raise them with RaiseEvent(), schedule them with ScheduleEvent()
type Event struct {
	Type       string
	Key        string
	Resource   string
	ResourceID uuid.UUID
	Payload    []byte
}

// WithPayload adds a payload to an event. Payload can be an object or a []byte
func (e Event) WithPayload(payload interface{}) Event {
	data, ok := payload.([]byte)
	if !ok {
		data, _ = json.Marshal(payload)
	}
	e.Payload = data
	return e
}

// Publisher receives every successfully processed job, for example to fan it
// out to a message broker
type Publisher interface {
	Publish(ctx context.Context, message Message) error
}

// Message is the published form of a processed job
type Message struct {
	Job        string          `json:"job"`
	Type       string          `json:"type"`
	Key        string          `json:"key,omitempty"`
	Resource   string          `json:"resource,omitempty"`
	ResourceID uuid.UUID       `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// job can be a database notification or a high-level event
type job struct {
	Serial       int
	Job          string
	Type         string
	Key          string
	Resource     string
	ResourceID   uuid.UUID
	Payload      []byte
	Timestamp    time.Time
	AttemptsLeft int
	ContextData  []byte
}

// notification returns the job as database notification. Only makes sense if the job type is "notification"
func (j *job) notification() (Notification, context.Context) {
	ctx := logger.ContextWithLoggerFromData(context.Background(), j.ContextData)
	return Notification{Resource: j.Resource, Operation: core.Operation(j.Type), ResourceID: j.ResourceID, Payload: j.Payload}, ctx
}

// event returns the job as high-level event. Only makes sense if the job type is "event"
func (j *job) event() (Event, context.Context) {
	ctx := logger.ContextWithLoggerFromData(context.Background(), j.ContextData)
	return Event{Type: j.Type, Key: j.Key, Resource: j.Resource, ResourceID: j.ResourceID, Payload: j.Payload}, ctx
}

type txJob struct {
	job
	tx *sql.Tx
}

type jobHandler struct {
	notification func(context.Context, Notification) error
	event        func(context.Context, Event) error
}

// Builder is a builder helper for the Queue
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Concurrency is the number of parallel workers, default 5
	Concurrency int
	// Publisher is optional
	Publisher Publisher
}

// Queue is the job queue
type Queue struct {
	db          *csql.DB
	concurrency int
	publisher   Publisher

	callbacksLock sync.RWMutex
	callbacks     map[string]jobHandler

	insertQuery            string
	insertIfNotExistQuery  string
	notificationQuery      string
	updateQuery            string
	deleteQuery            string
	cancelQuery            string
	hasJobsToProcess       bool
	hasJobsToProcessLock   sync.Mutex
	processJobsAsyncRuns   bool
	processJobsAsyncCancel context.CancelFunc
	processJobsAsyncDone   chan struct{}
	processJobsAsyncTrig   chan struct{}
}

// New creates the job table if needed and returns the queue
func New(jb *Builder) *Queue {
	if jb.DB == nil {
		panic("DB is missing")
	}
	concurrency := jb.Concurrency
	if concurrency < 1 {
		concurrency = 5
	}
	q := &Queue{
		db:          jb.DB,
		concurrency: concurrency,
		publisher:   jb.Publisher,
		callbacks:   map[string]jobHandler{},
	}
	q.prepareQueries()

	table := jb.DB.Table("_job_")
	_, err := jb.DB.Exec(`CREATE table IF NOT EXISTS ` + table + `
(serial SERIAL,
job VARCHAR NOT NULL,
type VARCHAR NOT NULL DEFAULT '',
key VARCHAR NOT NULL DEFAULT '',
resource VARCHAR NOT NULL DEFAULT '',
resource_id uuid NOT NULL DEFAULT uuid_nil(),
payload JSON NOT NULL DEFAULT'{}'::jsonb,
timestamp TIMESTAMP NOT NULL DEFAULT now(),
attempts_left INTEGER NOT NULL,
context JSON NOT NULL DEFAULT'{}'::jsonb,
scheduled_at TIMESTAMP,
PRIMARY KEY(serial)
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_event_compression ON ` + table + `(type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0;
CREATE index IF NOT EXISTS jobs_scheduled_at_index ON ` + table + `(scheduled_at);
`)
	if err != nil {
		panic(err)
	}
	return q
}

func (q *Queue) prepareQueries() {
	table := q.db.Table("_job_")
	q.insertQuery = `INSERT INTO ` + table + `
	(job,type,key,resource,resource_id,payload,timestamp,attempts_left,context,scheduled_at)
	VALUES($1,$2,$3,$4,$5,$6,$7,4,$8,$9) ON CONFLICT (type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0
	DO UPDATE SET payload=$6,timestamp=$7,attempts_left=4,context=$8,
	scheduled_at=CASE WHEN $9::TIMESTAMP IS NULL THEN _job_.scheduled_at ELSE $9 END::TIMESTAMP
	RETURNING serial;`

	q.insertIfNotExistQuery = `INSERT INTO ` + table + `
	(job,type,key,resource,resource_id,payload,timestamp,attempts_left,context,scheduled_at)
	VALUES($1,$2,$3,$4,$5,$6,$7,4,$8,$9) ON CONFLICT (type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0
	DO UPDATE SET attempts_left=4 RETURNING serial;`

	q.notificationQuery = `INSERT INTO ` + table + `
	(job,type,resource,resource_id,payload,timestamp,attempts_left,context)
	VALUES('notification',$1,$2,$3,$4,$5,4,$6) RETURNING serial;`

	q.updateQuery = `UPDATE ` + table + `
SET attempts_left = attempts_left - 1,
scheduled_at = CASE WHEN attempts_left>3 then $2 WHEN attempts_left=3 THEN $3 ELSE $4 END::TIMESTAMP
WHERE serial = (
SELECT serial
 FROM ` + table + `
 WHERE attempts_left > 0 AND (scheduled_at IS NULL OR $1 > scheduled_at)
 ORDER BY serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING serial, job, type, key, resource, resource_id, payload, timestamp, attempts_left, context;
`
	q.deleteQuery = `DELETE FROM ` + table + `
WHERE serial = $1 AND attempts_left < 4 RETURNING serial;`

	q.cancelQuery = `DELETE FROM ` + table + `
WHERE job = $1 AND type = $2 AND key = $3 AND resource = $4 AND resource_id = $5 AND attempts_left > 0 RETURNING serial;`
}

func notificationJobKey(resource string, operation core.Operation) string {
	return "notification: " + resource + "(" + string(operation) + ")"
}

func eventJobKey(event string) string {
	return "event: " + event
}

func (q *Queue) handler(key string) (jobHandler, bool) {
	q.callbacksLock.RLock()
	defer q.callbacksLock.RUnlock()
	handler, ok := q.callbacks[key]
	return handler, ok
}

// HandleEvent installs a callback handler the specified event. Handlers are executed
// out-of-band. If a handler fails (i.e. it returns a non-nil error), it will be retried
// a few times with increasing timeout.
func (q *Queue) HandleEvent(event string, handler func(context.Context, Event) error) {
	key := eventJobKey(event)
	q.callbacksLock.Lock()
	defer q.callbacksLock.Unlock()
	if _, ok := q.callbacks[key]; ok {
		logger.Default().Fatalf("callback handler for %s already installed", key)
	}
	q.callbacks[key] = jobHandler{event: handler}
}

// HandleResourceNotification installs a callback handler for out-of-band notifications for a given resource
// and a set of mutable operations.
//
// If no operations are specified, the handler will be installed for create, update and delete.
//
// Notification handlers are executed reliably out-of-band when an object was
// modified, and retried a few times when they fail (i.e. return a non-nil error).
func (q *Queue) HandleResourceNotification(resource string, handler func(context.Context, Notification) error, operations ...core.Operation) {
	if len(operations) == 0 {
		operations = []core.Operation{core.OperationCreate, core.OperationUpdate, core.OperationDelete}
	}
	q.callbacksLock.Lock()
	defer q.callbacksLock.Unlock()
	for _, operation := range operations {
		if operation == core.OperationRead || operation == core.OperationList {
			logger.Default().Fatalf("resource notifications only work for mutable operations")
		}
		key := notificationJobKey(resource, operation)
		if _, ok := q.callbacks[key]; ok {
			logger.Default().Fatalf("resource notification handler for %s already installed", key)
		}
		logger.Default().Debugf("install resource notification handler for %s", key)
		q.callbacks[key] = jobHandler{notification: handler}
	}
}

// HasEventHandler returns true if a handler for the event type is installed
func (q *Queue) HasEventHandler(event string) bool {
	_, ok := q.handler(eventJobKey(event))
	return ok
}

// RaiseEvent raises the requested event. Callbacks registered with HandleEvent() will be called.
//
// Multiple events of the same kind (event plus key) to the very same resource (resource + resourceID) will be compressed,
// i.e. the newest payload will overwrite the previous payload. If you do not want any compression, use QueueEvent() instead.
func (q *Queue) RaiseEvent(ctx context.Context, event Event) error {
	if err := q.raiseEventInternal(ctx, q.db, "event", event, nil, false); err != nil {
		return err
	}
	q.TriggerJobs()
	return nil
}

// RaiseEventInTx raises the event as part of the transaction tx. The event is only
// delivered if the transaction commits. Call TriggerJobs after the commit.
func (q *Queue) RaiseEventInTx(ctx context.Context, tx csql.Querier, event Event) error {
	return q.raiseEventInternal(ctx, tx, "event", event, nil, false)
}

// RaiseEventIfNotExist raises the requested event, unless an event of the same kind
// (event plus key) to the very same resource (resource + resourceID) is already pending.
func (q *Queue) RaiseEventIfNotExist(ctx context.Context, event Event) error {
	if err := q.raiseEventInternal(ctx, q.db, "event", event, nil, true); err != nil {
		return err
	}
	q.TriggerJobs()
	return nil
}

// QueueEvent adds the requested event to the queue. Queued events are always going to be
// delivered, there is no compression happening.
func (q *Queue) QueueEvent(ctx context.Context, event Event) error {
	if err := q.raiseEventInternal(ctx, q.db, "queued-event", event, nil, false); err != nil {
		return err
	}
	q.TriggerJobs()
	return nil
}

// ScheduleEvent schedules the requested event at a specific point in time. Events are
// compressed like with RaiseEvent.
func (q *Queue) ScheduleEvent(ctx context.Context, event Event, scheduleAt time.Time) error {
	return q.raiseEventInternal(ctx, q.db, "event", event, &scheduleAt, false)
}

// ScheduleEventIfNotExist schedules the requested event at a specific point in time, unless
// the same event is already pending.
func (q *Queue) ScheduleEventIfNotExist(ctx context.Context, event Event, scheduleAt time.Time) error {
	return q.raiseEventInternal(ctx, q.db, "event", event, &scheduleAt, true)
}

// CancelEvent cancels a pending event of the same kind (event plus key) to the very
// same resource (resource + resourceID). The payload of the passed event object is ignored.
//
// The function returns true if an event was cancelled, otherwise it returns false.
func (q *Queue) CancelEvent(ctx context.Context, event Event) (bool, error) {
	var serial int
	err := q.db.QueryRowContext(ctx, q.cancelQuery,
		"event",
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
	).Scan(&serial)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RetrieveEventSchedule returns the schedule of a pending event, or nil
func (q *Queue) RetrieveEventSchedule(ctx context.Context, event Event) (*time.Time, error) {
	var schedule *time.Time
	query := `SELECT scheduled_at FROM ` + q.db.Table("_job_") + `
 WHERE job = $1 AND type = $2 AND key = $3 AND resource = $4 AND resource_id = $5 AND attempts_left > 0
 ORDER BY serial LIMIT 1;`
	err := q.db.QueryRowContext(ctx, query,
		"event",
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
	).Scan(&schedule)
	if err == sql.ErrNoRows {
		return schedule, nil
	}
	return schedule, err
}

func (q *Queue) raiseEventInternal(ctx context.Context, querier csql.Querier, job string, event Event, scheduleAt *time.Time, ifNotExist bool) error {
	key := eventJobKey(event.Type)
	if _, ok := q.handler(key); !ok {
		return fmt.Errorf("no callback handler installed for %s", key)
	}

	data := event.Payload
	if data == nil {
		data = []byte("{}")
	}
	var scheduleAtUTC *time.Time
	if scheduleAt != nil {
		tmp := scheduleAt.UTC()
		scheduleAtUTC = &tmp
	}

	query := q.insertQuery
	if ifNotExist {
		query = q.insertIfNotExistQuery
	}
	var serial int
	err := querier.QueryRowContext(ctx, query,
		job,
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
		string(data),
		time.Now().UTC(),
		string(logger.SerializeLoggerContext(ctx)),
		scheduleAtUTC,
	).Scan(&serial)
	if err != nil {
		return fmt.Errorf("cannot raise event %s: %w", event.Type, err)
	}
	return nil
}

// NotifyInTx queues a resource notification as part of the transaction tx, if a handler
// for resource and operation is installed. Call TriggerJobs after the commit.
func (q *Queue) NotifyInTx(ctx context.Context, tx csql.Querier, resource string, operation core.Operation, resourceID uuid.UUID, payload []byte) error {
	// only create a notification if somebody requested it
	if _, ok := q.handler(notificationJobKey(resource, operation)); !ok {
		return nil
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var serial int
	err := tx.QueryRowContext(ctx, q.notificationQuery,
		operation,
		resource,
		resourceID,
		string(payload),
		time.Now().UTC(),
		string(logger.SerializeLoggerContext(ctx)),
	).Scan(&serial)
	if err != nil {
		return fmt.Errorf("cannot queue notification for %s: %w", resource, err)
	}
	return nil
}

// CommitWithNotification queues a resource notification and commits tx. The
// transaction is rolled back if the notification cannot be queued.
func (q *Queue) CommitWithNotification(ctx context.Context, tx *sql.Tx, resource string, operation core.Operation, resourceID uuid.UUID, payload []byte) error {
	if err := q.NotifyInTx(ctx, tx, resource, operation, resourceID, payload); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	q.TriggerJobs()
	return nil
}

func (q *Queue) process(j *txJob) (key string, err error) {
	// call the registered handler in a panic/recover envelope
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
			debug.PrintStack()
		}
	}()
	errorMessage := ""
	timeout := time.AfterFunc(20*time.Second, func() {
		logger.Default().Errorf("This (%s) is taking a long time...", errorMessage)
	})
	defer timeout.Stop()

	var ctx context.Context
	switch j.Job {
	case "notification":
		var notification Notification
		notification, ctx = j.notification()
		key = notificationJobKey(notification.Resource, notification.Operation)
		errorMessage = fmt.Sprintf("Notification %s %v", key, notification.ResourceID)
		if handler, ok := q.handler(key); ok {
			err = handler.notification(ctx, notification)
		} else {
			err = fmt.Errorf("no handler for key %s", key)
		}
	case "event", "queued-event":
		var event Event
		event, ctx = j.event()
		key = eventJobKey(event.Type)
		errorMessage = fmt.Sprintf("Event %v %v %v", event.Type, event.Resource, event.ResourceID)
		if handler, ok := q.handler(key); ok {
			err = handler.event(ctx, event)
		} else {
			err = fmt.Errorf("no handler for key %s", key)
		}
	default:
		err = fmt.Errorf("unknown job type %s", j.Job)
	}

	if err == nil && q.publisher != nil {
		message := Message{
			Job:        j.Job,
			Type:       j.Type,
			Key:        j.Key,
			Resource:   j.Resource,
			ResourceID: j.ResourceID,
			Payload:    j.Payload,
			Timestamp:  j.Timestamp,
		}
		if perr := q.publisher.Publish(ctx, message); perr != nil {
			logger.FromContext(ctx).WithError(perr).Errorf("Error 4225: cannot publish %s", key)
		}
	}
	return key, err
}

func (q *Queue) pipelineWorker(jobs <-chan txJob, ready chan<- bool) {
	for j := range jobs {
		rlog := logger.Default()
		// commit the attempt counter before running the handler, so a crash counts as a failure
		if err := j.tx.Commit(); err != nil {
			rlog.Errorf("error committing #%d: %s", j.Serial, err.Error())
		}

		start := time.Now()
		key, err := q.process(&j)
		metrics.RecordJob(key, time.Since(start), err == nil)

		if err != nil {
			rlog.WithError(err).Error("error processing " + key + "[" + j.Key + "] #" + strconv.Itoa(j.Serial))
		} else {
			rlog.Info("successfully processed " + key + "[" + j.Key + "] #" + strconv.Itoa(j.Serial))
			// job handled successfully, delete from queue (unless it has been rescheduled and attempts_left is back at 4)
			var serial int
			err = q.db.QueryRow(q.deleteQuery, j.Serial).Scan(&serial)
			if err != nil && err != sql.ErrNoRows {
				rlog.WithError(err).Error("could not delete processed job " + key + "[" + j.Key + "] #" + strconv.Itoa(j.Serial))
			}
		}
		ready <- true
	}
}

// TriggerJobs triggers pipeline processing.
func (q *Queue) TriggerJobs() {
	q.hasJobsToProcessLock.Lock()
	q.hasJobsToProcess = true
	trigger := q.processJobsAsyncTrig
	q.hasJobsToProcessLock.Unlock()
	if trigger != nil {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
}

// HasJobsToProcess returns true, if there are jobs to process.
// It then resets the process flag.
func (q *Queue) HasJobsToProcess() bool {
	q.hasJobsToProcessLock.Lock()
	defer q.hasJobsToProcessLock.Unlock()
	result := q.hasJobsToProcess
	q.hasJobsToProcess = false
	return result
}

// ProcessJobsAsync starts a job processing loop. It returns immediately. This
// function must only be called once. Call Close to stop the loop.
//
// If heartbeat is larger than 0, the function also starts a heartbeat timer for
// processing of scheduled events and retries.
//
// Left-over jobs in the database are processed right away.
func (q *Queue) ProcessJobsAsync(heartbeat time.Duration) {
	q.hasJobsToProcessLock.Lock()
	if q.processJobsAsyncRuns {
		q.hasJobsToProcessLock.Unlock()
		panic("already processing jobs")
	}
	q.processJobsAsyncRuns = true
	q.processJobsAsyncTrig = make(chan struct{}, 1)
	q.processJobsAsyncDone = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	q.processJobsAsyncCancel = cancel
	trigger := q.processJobsAsyncTrig
	q.hasJobsToProcessLock.Unlock()

	if heartbeat > 0 {
		// start heartbeat to process scheduled events and retries
		go func() {
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					q.TriggerJobs()
				}
			}
		}()
	}

	go func() {
		defer close(q.processJobsAsyncDone)
		q.ProcessJobsSync(5 * time.Minute)
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
				q.ProcessJobsSync(5 * time.Minute)
			}
		}
	}()
}

// Close stops the asynchronous processing loop and waits for running jobs to finish
func (q *Queue) Close() {
	q.hasJobsToProcessLock.Lock()
	cancel, done := q.processJobsAsyncCancel, q.processJobsAsyncDone
	q.hasJobsToProcessLock.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// ProcessJobsSync commissions all pending jobs up to the specified maximum duration and then returns after the last commissioned job was
// fully processed. It returns true if it has maxed out and there are more jobs to process, otherwise it returns false.
// If you pass 0, it will process all pending jobs.
func (q *Queue) ProcessJobsSync(max time.Duration) bool {
	rlog := logger.Default()
	startTime := time.Now()

	getJob := func() (txj txJob, err error) {
		txj.tx, err = q.db.BeginTx(context.Background(), nil)
		if err != nil {
			rlog.WithError(err).Error("failed to begin transaction")
			return
		}
		now := time.Now().UTC()
		err = txj.tx.QueryRow(q.updateQuery,
			now,
			now.Add(5*time.Minute),  // first retry timeout
			now.Add(15*time.Minute), // second retry timeout
			now.Add(45*time.Minute), // third retry timeout before we give up
		).Scan(
			&txj.Serial,
			&txj.Job,
			&txj.Type,
			&txj.Key,
			&txj.Resource,
			&txj.ResourceID,
			&txj.Payload,
			&txj.Timestamp,
			&txj.AttemptsLeft,
			&txj.ContextData,
		)
		if err != nil {
			if err != sql.ErrNoRows {
				rlog.Errorln("failed to retrieve job:", err.Error())
			}
			txj.tx.Rollback()
			txj.tx = nil
		}
		return
	}

	jobs := make(chan txJob, q.concurrency)
	ready := make(chan bool, q.concurrency)
	for i := 0; i < q.concurrency; i++ {
		go q.pipelineWorker(jobs, ready)
	}
	defer close(jobs)

	var maxedOut bool
	var jobCount, readyCount int
	for i := 0; i < q.concurrency; i++ {
		txj, err := getJob()
		if err != nil {
			break
		}
		jobCount++
		jobs <- txj
	}

	for readyCount < jobCount {
		<-ready
		readyCount++

		if maxedOut = max > 0 && time.Since(startTime) >= max; !maxedOut {
			// we have time for more jobs, check if there are any in the database
			txj, err := getJob()
			if err != nil {
				continue
			}
			jobCount++
			jobs <- txj
		}
	}

	maxedOutString := ""
	if maxedOut {
		maxedOutString = " (maxed out)"
	}
	rlog.Debugf("process jobs: %d done%s", jobCount, maxedOutString)
	return maxedOut
}
