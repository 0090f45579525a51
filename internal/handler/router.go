package handler

import "github.com/gin-gonic/gin"

// Routes bundles every handler the API mounts.
type Routes struct {
	Terms       *TermHandler
	Events      *EventHandler
	Scores      *ScoreHandler
	Escalations *EscalationHandler
	Students    *StudentHandler
	Letters     *LetterHandler
}

// Register mounts all conduct API routes under /api/v1.
func (rt Routes) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")

	terms := v1.Group("/terms")
	terms.GET("", rt.Terms.List)
	terms.POST("", rt.Terms.Create)
	terms.GET("/active", rt.Terms.GetActive)
	terms.GET("/:id", rt.Terms.Get)
	terms.PUT("/:id", rt.Terms.Update)
	terms.DELETE("/:id", rt.Terms.Delete)
	terms.POST("/:id/activate", rt.Terms.Activate)
	terms.GET("/:id/scores", rt.Scores.ListForTerm)
	terms.POST("/:id/sweep", rt.Escalations.Sweep)

	events := v1.Group("/events")
	events.POST("", rt.Events.Append)
	events.POST("/:id/reverse", rt.Events.Reverse)

	students := v1.Group("/students")
	students.GET("", rt.Students.List)
	students.POST("", rt.Students.Create)
	students.GET("/:studentId", rt.Students.Get)
	students.PUT("/:studentId", rt.Students.Update)
	students.GET("/:studentId/events", rt.Events.ListForStudent)
	students.GET("/:studentId/score", rt.Scores.CurrentTotal)
	students.GET("/:studentId/escalations", rt.Escalations.ListForStudent)

	escalations := v1.Group("/escalations")
	escalations.GET("/tiers", rt.Escalations.Tiers)
	escalations.GET("/:id/letter", rt.Letters.SignedURL)

	v1.GET("/letters/download", rt.Letters.Download)
}
