package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "SafeShift Risk Engine",
    "description": "Shift observation scoring, analysis insights and deduplicated risk alerts",
    "version": "1.0"
  },
  "basePath": "/",
  "tags": [
    {"name": "observations"},
    {"name": "subjects"},
    {"name": "alerts"},
    {"name": "stages"}
  ],
  "paths": {
    "/api/observations": {"post": {"tags": ["observations"], "summary": "Submit a shift observation", "responses": {"201": {"description": "Created"}, "400": {"description": "Validation failed"}}}},
    "/api/observations/{id}": {
      "get": {"tags": ["observations"], "summary": "Observation with its stored insight", "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}},
      "put": {"tags": ["observations"], "summary": "Edit and rescore an observation", "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}}
    },
    "/api/subjects/{id}/anomalies": {"get": {"tags": ["subjects"], "summary": "Anomalies in recent observations", "responses": {"200": {"description": "OK"}}}},
    "/api/subjects/{id}/forecast": {"get": {"tags": ["subjects"], "summary": "Risk score forecast", "responses": {"200": {"description": "OK"}}}},
    "/api/subjects/{id}/alerts": {"get": {"tags": ["alerts"], "summary": "Active alerts", "responses": {"200": {"description": "OK"}}}},
    "/api/subjects/{id}/alerts/summary": {"get": {"tags": ["alerts"], "summary": "Alert summary", "responses": {"200": {"description": "OK"}}}},
    "/api/alerts/{id}/resolve": {"post": {"tags": ["alerts"], "summary": "Resolve an alert", "responses": {"200": {"description": "OK"}, "404": {"description": "Not found or already resolved"}}}},
    "/api/stages/stats": {"get": {"tags": ["stages"], "summary": "Analysis stage statistics", "responses": {"200": {"description": "OK"}}}}
  }
}`

func init() {
	swag.Register(swag.Name, &s{})
}

type s struct{}

func (s *s) ReadDoc() string {
	return docTemplate
}
