package generic

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Server struct {
	Router  *gin.Engine
	Port    string
	Methods []string
}

func (s *Server) Addr() string {
	return fmt.Sprintf(":%s", s.Port)
}

// NoMethod answers 405 with the allowed methods instead of gin's 404.
func (s *Server) NoMethod() {
	s.Router.HandleMethodNotAllowed = true
	s.Router.NoMethod(func(c *gin.Context) {
		for _, m := range s.Methods {
			c.Writer.Header().Add("Allow", m)
		}
		c.Status(http.StatusMethodNotAllowed)
	})
}
