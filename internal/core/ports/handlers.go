package ports

import (
	"github.com/gin-gonic/gin"
)

// HTTPHandler registers its routes on an engine or a middleware-scoped group.
type HTTPHandler interface {
	SetupRoutes(router gin.IRouter)
}
