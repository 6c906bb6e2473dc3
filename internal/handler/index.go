package handler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"webmirror-go/internal/config"
)

// landingPage is the form that kicks off a proxied browse. The %s is the
// configured proxy base path.
const landingPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>webmirror</title>
<style>
body { font-family: sans-serif; max-width: 40rem; margin: 4rem auto; }
input[type=text] { width: 70%%; padding: .5rem; }
button { padding: .5rem 1rem; }
</style>
</head>
<body>
<h1>webmirror</h1>
<p>Enter a URL to browse it through the proxy.</p>
<form action="%s" method="get">
<input type="text" name="url" placeholder="example.com" autofocus>
<button type="submit">Go</button>
</form>
</body>
</html>
`

// IndexHandler serves the landing page.
type IndexHandler struct {
	page string
}

// NewIndexHandler creates an IndexHandler with the form wired to the
// configured base path.
func NewIndexHandler(cfg *config.Config) *IndexHandler {
	return &IndexHandler{page: fmt.Sprintf(landingPage, cfg.Proxy.BasePath)}
}

// Index renders the URL input form.
func (h *IndexHandler) Index(c echo.Context) error {
	return c.HTML(http.StatusOK, h.page)
}
