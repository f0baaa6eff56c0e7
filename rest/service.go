package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	restful "github.com/emicklei/go-restful/v3"

	"github.com/ecociel/taskq/domain"
	"github.com/ecociel/taskq/uc"
	"go.uber.org/zap"
)

const defaultPageSize = 10

// TaskResource translates HTTP calls into coordinator operations. All
// lifecycle rules live behind the use cases; this layer only parses, maps
// and reports.
type TaskResource struct {
	create uc.CreateTaskUseCase
	get    uc.GetTaskUseCase
	list   uc.ListTasksUseCase
	cancel uc.CancelTaskUseCase
	authz  Authorizer
	log    *zap.SugaredLogger
}

func NewTaskResource(create uc.CreateTaskUseCase, get uc.GetTaskUseCase, list uc.ListTasksUseCase, cancel uc.CancelTaskUseCase, authz Authorizer, log *zap.SugaredLogger) *TaskResource {
	return &TaskResource{create: create, get: get, list: list, cancel: cancel, authz: authz, log: log}
}

func (r *TaskResource) WebService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Path("/tasks").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)
	ws.Filter(r.authFilter)

	ws.Route(ws.POST("/").To(r.createTask))
	ws.Route(ws.GET("/").To(r.listTasks).
		Param(ws.QueryParameter("status", "filter by status")).
		Param(ws.QueryParameter("priority", "filter by priority")).
		Param(ws.QueryParameter("page", "1-based page number")).
		Param(ws.QueryParameter("size", "page size, 1..100")))
	ws.Route(ws.GET("/{id}").To(r.getTask).
		Param(ws.PathParameter("id", "task id")))
	ws.Route(ws.GET("/{id}/status").To(r.getTaskStatus).
		Param(ws.PathParameter("id", "task id")))
	ws.Route(ws.DELETE("/{id}").To(r.cancelTask).
		Param(ws.PathParameter("id", "task id")))
	return ws
}

func (r *TaskResource) authFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	if err := r.authz.Authorize(req); err != nil {
		writeJSONError(resp, http.StatusUnauthorized, err.Error())
		return
	}
	chain.ProcessFilter(req, resp)
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

type taskResponse struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Result      string     `json:"result,omitempty"`
	ErrorInfo   string     `json:"error_info,omitempty"`
}

type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
	Pages int            `json:"pages"`
}

type taskStatusResponse struct {
	TaskID      int64      `json:"task_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r *TaskResource) createTask(req *restful.Request, resp *restful.Response) {
	var body createTaskRequest
	if err := req.ReadEntity(&body); err != nil {
		writeJSONError(resp, http.StatusBadRequest, "malformed request body")
		return
	}

	task, err := r.create(req.Request.Context(), domain.NewTask{
		Title:       body.Title,
		Description: body.Description,
		Priority:    domain.Priority(body.Priority),
	})
	if err != nil {
		r.writeError(resp, err)
		return
	}
	resp.WriteHeaderAndEntity(http.StatusCreated, toTaskResponse(task))
}

func (r *TaskResource) listTasks(req *restful.Request, resp *restful.Response) {
	filter := domain.ListFilter{Page: 1, PageSize: defaultPageSize}

	if s := req.QueryParameter("status"); s != "" {
		status, ok := domain.ParseStatus(s)
		if !ok {
			writeJSONError(resp, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		filter.Status = &status
	}
	if p := req.QueryParameter("priority"); p != "" {
		prio, ok := domain.ParsePriority(p)
		if !ok {
			writeJSONError(resp, http.StatusBadRequest, "unknown priority "+strconv.Quote(p))
			return
		}
		filter.Priority = &prio
	}
	if v := req.QueryParameter("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(resp, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		filter.Page = n
	}
	if v := req.QueryParameter("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < uc.PageSizeMin || n > uc.PageSizeMax {
			writeJSONError(resp, http.StatusBadRequest, "size must be between 1 and 100")
			return
		}
		filter.PageSize = n
	}

	tasks, total, err := r.list(req.Request.Context(), filter)
	if err != nil {
		r.writeError(resp, err)
		return
	}

	out := taskListResponse{
		Tasks: make([]taskResponse, 0, len(tasks)),
		Total: total,
		Page:  filter.Page,
		Size:  filter.PageSize,
		Pages: uc.Pages(total, filter.PageSize),
	}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, toTaskResponse(t))
	}
	resp.WriteEntity(out)
}

func (r *TaskResource) getTask(req *restful.Request, resp *restful.Response) {
	id, ok := taskID(req, resp)
	if !ok {
		return
	}
	task, err := r.get(req.Request.Context(), id)
	if err != nil {
		r.writeError(resp, err)
		return
	}
	resp.WriteEntity(toTaskResponse(task))
}

func (r *TaskResource) getTaskStatus(req *restful.Request, resp *restful.Response) {
	id, ok := taskID(req, resp)
	if !ok {
		return
	}
	task, err := r.get(req.Request.Context(), id)
	if err != nil {
		r.writeError(resp, err)
		return
	}
	resp.WriteEntity(taskStatusResponse{
		TaskID:      task.ID,
		Status:      string(task.Status),
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	})
}

func (r *TaskResource) cancelTask(req *restful.Request, resp *restful.Response) {
	id, ok := taskID(req, resp)
	if !ok {
		return
	}
	if _, err := r.cancel(req.Request.Context(), id); err != nil {
		r.writeError(resp, err)
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

func taskID(req *restful.Request, resp *restful.Response) (int64, bool) {
	id, err := strconv.ParseInt(req.PathParameter("id"), 10, 64)
	if err != nil || id < 1 {
		writeJSONError(resp, http.StatusNotFound, domain.ErrNotFound.Error())
		return 0, false
	}
	return id, true
}

// writeError maps the domain error taxonomy onto status codes: validation
// 400, unknown id 404, state machine conflicts 409, anything else 500.
func (r *TaskResource) writeError(resp *restful.Response, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSONError(resp, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeJSONError(resp, http.StatusNotFound, domain.ErrNotFound.Error())
	case errors.Is(err, domain.ErrConflict):
		writeJSONError(resp, http.StatusConflict, err.Error())
	default:
		r.log.Errorw("request failed", "err", err)
		writeJSONError(resp, http.StatusInternalServerError, "internal error")
	}
}

func writeJSONError(resp *restful.Response, code int, msg string) {
	resp.WriteHeaderAndEntity(code, errorResponse{Error: msg})
}

func toTaskResponse(t domain.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Result:      t.Result,
		ErrorInfo:   t.ErrorInfo,
	}
}
