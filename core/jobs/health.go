package jobs

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/logger"
)

var errUnknownParameter = errors.New("unknown query parameter")

// JobDetail is detail on a job for the health endpoint
type JobDetail struct {
	Serial       int64      `json:"serial"`
	Job          string     `json:"job"`
	Type         string     `json:"type"`
	Key          string     `json:"key"`
	Resource     string     `json:"resource"`
	ResourceID   string     `json:"resource_id"`
	AttemptsLeft int64      `json:"attempts_left"`
	Timestamp    time.Time  `json:"timestamp"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
}

// Health contains the queue's health status
type Health struct {
	Jobs struct {
		Pending int64       `json:"pending"`
		Failed  int64       `json:"failed"`
		Failing int64       `json:"failing"`
		Overdue int64       `json:"overdue"`
		Details []JobDetail `json:"details,omitempty"`
	} `json:"jobs"`
}

// Health returns the queue's health status. Failed jobs have no attempts left,
// failing jobs failed at least once and wait for a retry, overdue jobs should
// have run at least ten minutes ago.
func (q *Queue) Health(includeDetails bool) (Health, error) {
	health := Health{}
	jobs := &health.Jobs
	table := q.db.Table("_job_")
	tenMinutesAgo := time.Now().UTC().Add(-10 * time.Minute)

	err := q.db.QueryRow(`SELECT
 count(*) FILTER (WHERE attempts_left > 0),
 count(*) FILTER (WHERE attempts_left = 0),
 count(*) FILTER (WHERE attempts_left > 0 AND attempts_left < 3),
 count(*) FILTER (WHERE attempts_left > 0 AND
	((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at)))
 FROM `+table+`;`, tenMinutesAgo).Scan(&jobs.Pending, &jobs.Failed, &jobs.Failing, &jobs.Overdue)
	if err != nil && err != csql.ErrNoRows {
		return health, err
	}

	if includeDetails {
		rows, err := q.db.Query(`SELECT serial, job, type, key, resource, resource_id, timestamp, attempts_left, scheduled_at from `+table+` WHERE
	attempts_left = 0 OR (attempts_left > 0 AND ((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at)))
	ORDER BY serial;`, tenMinutesAgo)
		if err != nil {
			return health, err
		}
		defer rows.Close()
		for rows.Next() {
			var detail JobDetail
			err := rows.Scan(
				&detail.Serial,
				&detail.Job,
				&detail.Type,
				&detail.Key,
				&detail.Resource,
				&detail.ResourceID,
				&detail.Timestamp,
				&detail.AttemptsLeft,
				&detail.ScheduledAt,
			)
			if err != nil {
				return health, err
			}
			jobs.Details = append(jobs.Details, detail)
		}
		if err := rows.Err(); err != nil {
			return health, err
		}
	}
	return health, nil
}

// HealthPurge deletes old health data. Currently this is only failed jobs
func (q *Queue) HealthPurge() error {
	_, err := q.db.Exec(`DELETE from ` + q.db.Table("_job_") + ` WHERE attempts_left = 0;`)
	return err
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !access.AuthorizationFromContext(r.Context()).HasRole(access.RoleAdmin) {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// HandleRoutes adds the following routes to the router
//
//	GET /hotelier/health
//	GET /hotelier/health/details (admin)
//	PUT /hotelier/health/purge (admin)
//	PUT /hotelier/events/{event} (admin)
func (q *Queue) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("job processing pipelines")
	logger.Default().Debugln("  handle route: /hotelier/events PUT")
	logger.Default().Debugln("  handle route: /hotelier/health GET")

	router.HandleFunc("/hotelier/events/{event}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		q.raiseEventRoute(w, r)
	}).Methods(http.MethodPut)

	router.HandleFunc("/hotelier/health", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		q.healthRoute(w, r, false)
	}).Methods(http.MethodGet)

	router.HandleFunc("/hotelier/health/details", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		q.healthRoute(w, r, true)
	}).Methods(http.MethodGet)

	router.HandleFunc("/hotelier/health/purge", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		if err := q.HealthPurge(); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("Error 4223: cannot query database")
			http.Error(w, "Error 4223", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)
}

func (q *Queue) healthRoute(w http.ResponseWriter, r *http.Request, includeDetails bool) {
	health, err := q.Health(includeDetails)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4222: cannot query database")
		http.Error(w, "Error 4222", http.StatusInternalServerError)
		return
	}
	jsonData, _ := json.Marshal(health)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func (q *Queue) raiseEventRoute(w http.ResponseWriter, r *http.Request) {
	eventType := mux.Vars(r)["event"]
	rlog := logger.FromContext(r.Context())
	var (
		key        string
		resource   string
		resourceID uuid.UUID
	)
	for param, array := range r.URL.Query() {
		var err error
		if len(array) > 1 {
			http.Error(w, "illegal parameter array '"+param+"'", http.StatusBadRequest)
			return
		}
		value := array[0]
		switch param {
		case "key":
			key = value
		case "resource":
			resource = value
		case "resource_id":
			resourceID, err = uuid.Parse(value)
		default:
			err = errUnknownParameter
		}
		if err != nil {
			http.Error(w, "parameter '"+param+"': "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload := []byte("{}")
	if len(body) > 0 { // we do not want to pass an empty []byte
		if !json.Valid(body) {
			http.Error(w, "payload is not valid JSON", http.StatusBadRequest)
			return
		}
		payload = body
	}
	if !q.HasEventHandler(eventType) {
		http.Error(w, "no handler for event "+eventType, http.StatusBadRequest)
		return
	}
	event := Event{Type: eventType, Key: key, Resource: resource, ResourceID: resourceID}.WithPayload(payload)
	if err := q.RaiseEvent(r.Context(), event); err != nil {
		rlog.WithError(err).Errorln("Error 4224: cannot raise event")
		http.Error(w, "Error 4224", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	rlog.Infof("raised event %s on resource \"%s\"", eventType, resource)
}
