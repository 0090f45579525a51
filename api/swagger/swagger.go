package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "SMA Conduct API",
        "description": "Conduct score ledger and academic-term lifecycle service",
        "version": "0.1.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Terms", "description": "Academic term registry and lifecycle"},
        {"name": "Events", "description": "Append-only conduct event ledger"},
        {"name": "Scores", "description": "Derived conduct score totals"},
        {"name": "Escalations", "description": "Warning-letter tiers and records"},
        {"name": "Students", "description": "Student registry"},
        {"name": "Letters", "description": "Warning-letter downloads"}
    ],
    "paths": {
        "/terms": {
            "get": {
                "tags": ["Terms"],
                "summary": "List terms",
                "parameters": [
                    {"name": "academicYear", "in": "query", "type": "string"},
                    {"name": "type", "in": "query", "type": "string"},
                    {"name": "isActive", "in": "query", "type": "boolean"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Terms"],
                "summary": "Create term (inactive)",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateTermRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate term", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/active": {
            "get": {
                "tags": ["Terms"],
                "summary": "Get the single active term",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "No active term", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/{id}": {
            "get": {
                "tags": ["Terms"],
                "summary": "Get term",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Terms"],
                "summary": "Update term",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateTermRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Terms"],
                "summary": "Delete term (inactive and empty only)",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "Deleted"},
                    "409": {"description": "Term active or has events", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/{id}/activate": {
            "post": {
                "tags": ["Terms"],
                "summary": "Activate term, closing the previous active term",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/{id}/scores": {
            "get": {
                "tags": ["Scores"],
                "summary": "List score states for a term",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/terms/{id}/sweep": {
            "post": {
                "tags": ["Escalations"],
                "summary": "Sweep a term for missed escalations",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Sweep summary", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "Term not active", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/events": {
            "post": {
                "tags": ["Events"],
                "summary": "Append a conduct event",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/AppendEventRequest"}}
                ],
                "responses": {
                    "201": {"description": "Appended", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "No active term or term closed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Transient conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/events/{id}/reverse": {
            "post": {
                "tags": ["Events"],
                "summary": "Reverse an event with a compensating entry",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReverseRequest"}}
                ],
                "responses": {
                    "201": {"description": "Reversal appended", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already reversed or term closed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students": {
            "get": {
                "tags": ["Students"],
                "summary": "List students",
                "parameters": [
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "active", "in": "query", "type": "boolean"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Students"],
                "summary": "Create student",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateStudentRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}": {
            "get": {
                "tags": ["Students"],
                "summary": "Get student",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Students"],
                "summary": "Update student",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateStudentRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/events": {
            "get": {
                "tags": ["Events"],
                "summary": "List a student's conduct events",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "termId", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/score": {
            "get": {
                "tags": ["Scores"],
                "summary": "Get a student's conduct score",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "termId", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{studentId}/escalations": {
            "get": {
                "tags": ["Escalations"],
                "summary": "List escalations fired for a student",
                "parameters": [
                    {"name": "studentId", "in": "path", "required": true, "type": "string"},
                    {"name": "termId", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/escalations/tiers": {
            "get": {
                "tags": ["Escalations"],
                "summary": "List configured escalation tiers",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/escalations/{id}/letter": {
            "get": {
                "tags": ["Letters"],
                "summary": "Get a signed download link for a warning letter",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Signed URL", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Letter not generated", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/letters/download": {
            "get": {
                "tags": ["Letters"],
                "summary": "Download a warning letter with a signed token",
                "produces": ["application/pdf"],
                "parameters": [
                    {"name": "token", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "PDF document"},
                    "401": {"description": "Invalid or expired token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "CreateTermRequest": {
            "type": "object",
            "required": ["name", "type", "academic_year", "start_date", "end_date"],
            "properties": {
                "name": {"type": "string", "example": "Semester Ganjil 2025/2026"},
                "type": {"type": "string", "enum": ["SEMESTER", "TRIMESTER", "QUARTER"]},
                "academic_year": {"type": "string", "example": "2025/2026"},
                "start_date": {"type": "string", "format": "date-time"},
                "end_date": {"type": "string", "format": "date-time"}
            }
        },
        "UpdateTermRequest": {
            "type": "object",
            "required": ["name", "type", "academic_year", "start_date", "end_date"],
            "properties": {
                "name": {"type": "string"},
                "type": {"type": "string", "enum": ["SEMESTER", "TRIMESTER", "QUARTER"]},
                "academic_year": {"type": "string"},
                "start_date": {"type": "string", "format": "date-time"},
                "end_date": {"type": "string", "format": "date-time"}
            }
        },
        "AppendEventRequest": {
            "type": "object",
            "required": ["student_id", "kind", "reason"],
            "properties": {
                "student_id": {"type": "string"},
                "term_id": {"type": "string", "description": "Defaults to the active term"},
                "kind": {"type": "string", "enum": ["VIOLATION", "ACHIEVEMENT", "ADJUSTMENT"]},
                "points": {"type": "integer"},
                "effective_date": {"type": "string", "format": "date"},
                "reason": {"type": "string"},
                "created_by": {"type": "string"}
            }
        },
        "ReverseRequest": {
            "type": "object",
            "required": ["reason"],
            "properties": {
                "reason": {"type": "string"}
            }
        },
        "CreateStudentRequest": {
            "type": "object",
            "required": ["nis", "full_name"],
            "properties": {
                "nis": {"type": "string"},
                "full_name": {"type": "string"},
                "gender": {"type": "string"},
                "guardian_contact": {"type": "string"}
            }
        },
        "UpdateStudentRequest": {
            "type": "object",
            "required": ["nis", "full_name"],
            "properties": {
                "nis": {"type": "string"},
                "full_name": {"type": "string"},
                "gender": {"type": "string"},
                "guardian_contact": {"type": "string"},
                "active": {"type": "boolean"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
