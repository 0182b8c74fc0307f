package main

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mimiq/mimiq/config"
	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/service"
	"github.com/mimiq/mimiq/store"
)

// App bundles the dependencies of the HTTP layer. Handlers hang off it so
// they can reach the store, the engines and the configured identity.
type App struct {
	Cfg    *config.Config
	Store  store.Store
	Queues *service.QueueEngine
	Topics *service.TopicEngine
	Log    *slog.Logger
}

// Router builds the HTTP surface. Everything rides on one POST endpoint in
// the query protocol; the target service is carried by the signature header,
// not the path.
func (app *App) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Post("/*", app.RootHandler)
	return r
}

// RootHandler dispatches a query-protocol request to the right service
// handler. The service name and region come from the SigV4 credential scope;
// the signature itself is never verified.
func (app *App) RootHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		app.renderError(w, &service.Error{Code: "MalformedInput", Message: "could not parse form body"})
		return
	}
	params := Params{r.PostForm}
	region, svc := parseCredentialScope(r.Header.Get("Authorization"))
	if region == "" {
		region = app.Cfg.Identity.Region
	}
	action := params.Get("Action")

	if action != "ReceiveMessage" {
		app.Log.Info("api request", "service", svc, "action", action)
	}

	switch {
	case svc == "sts" || strings.HasPrefix(action, "AssumeRoleWith"):
		app.handleSTSAction(w, r, params, region)
	case svc == "sns":
		app.handleSNSAction(w, r, params, region)
	case svc == "sqs":
		app.handleSQSAction(w, r, params, region)
	default:
		app.renderError(w, &service.Error{
			Code:    "Unimplemented",
			Message: "service " + svc + " is not available",
		})
	}
}

// parseCredentialScope pulls the region and service out of an
// `Authorization: AWS4-HMAC-SHA256 Credential=key/date/region/service/aws4_request, ...`
// header.
func parseCredentialScope(header string) (region, svc string) {
	const prefix = "AWS4-HMAC-SHA256 "
	if !strings.HasPrefix(header, prefix) {
		return "", ""
	}
	for _, part := range strings.Split(header[len(prefix):], ", ") {
		name, value, ok := strings.Cut(part, "=")
		if !ok || name != "Credential" {
			continue
		}
		scope := strings.Split(value, "/")
		if len(scope) >= 4 {
			return scope[2], scope[3]
		}
	}
	return "", ""
}

type errorResponse struct {
	XMLName xml.Name `xml:"ErrorResponse"`
	Type    string   `xml:"Error>Type"`
	Code    string   `xml:"Error>Code"`
	Message string   `xml:"Error>Message"`
}

// wireError maps an internal error onto its wire code and message. Not-found
// sentinels use the bare resource codes the original wire format carries.
func wireError(err error) (code, message string) {
	switch err {
	case store.ErrQueueDoesNotExist:
		return "404", "no-queue"
	case store.ErrTopicDoesNotExist:
		return "404", "no-topic"
	case store.ErrSubscriptionDoesNotExist:
		return "404", "no-sub"
	case store.ErrMessageDoesNotExist:
		return "404", "no-message"
	}
	if serr, ok := err.(*service.Error); ok {
		return serr.Code, serr.Message
	}
	return "ServerError", err.Error()
}

func (app *App) renderError(w http.ResponseWriter, err error) {
	code, message := wireError(err)
	app.Log.Info("returning error", "code", code, "message", message)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusBadRequest)
	xml.NewEncoder(w).Encode(errorResponse{
		Type:    "Sender",
		Code:    code,
		Message: message,
	})
}

func (app *App) renderXML(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(body); err != nil {
		app.Log.Error("encoding response", "error", err)
	}
}

// queueFromURL resolves the QueueUrl parameter, whose last path segment is
// the queue name, against the request's region and the configured account.
func (app *App) queueFromURL(r *http.Request, region, queueURL string) (*models.Queue, error) {
	segments := strings.Split(queueURL, "/")
	name := segments[len(segments)-1]
	return app.Store.GetQueueByName(r.Context(), region, app.Cfg.Identity.AccountID, name)
}

func queueURL(q *models.Queue) string {
	return "https://sqs." + q.Region + ".amazonaws.com/" + q.AccountID + "/" + q.Name
}
