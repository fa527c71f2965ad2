package authserver

import (
	"html/template"
	"net/http"
)

type loginFormData struct {
	ClientName   string
	Request      string
	ErrorMessage string
}

var loginFormTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Connect to Voyago</title>
<style>
  body { font-family: system-ui, sans-serif; background: #f4f5f7; margin: 0; }
  .card { max-width: 420px; margin: 10vh auto; background: #fff; border-radius: 12px;
          box-shadow: 0 2px 12px rgba(0,0,0,.08); padding: 2rem; }
  h1 { font-size: 1.25rem; margin: 0 0 .5rem; }
  p { color: #555; font-size: .9rem; }
  input[type=password] { width: 100%; padding: .6rem; border: 1px solid #ccc;
          border-radius: 8px; box-sizing: border-box; font-size: 1rem; }
  button { width: 100%; margin-top: 1rem; padding: .7rem; border: 0; border-radius: 8px;
          background: #0a5bd3; color: #fff; font-size: 1rem; cursor: pointer; }
  .error { color: #b00020; font-size: .85rem; }
</style>
</head>
<body>
<div class="card">
  <h1>Connect to Voyago</h1>
  {{if .ClientName}}<p><strong>{{.ClientName}}</strong> is requesting access to your Voyago partner account.</p>{{end}}
  {{if .ErrorMessage}}<p class="error">{{.ErrorMessage}}</p>{{end}}
  <form method="post" action="/authorize">
    <input type="hidden" name="request" value="{{.Request}}">
    <label for="api_key">Partner API key</label>
    <input type="password" id="api_key" name="api_key" autocomplete="off" placeholder="vg_live_…">
    <button type="submit">Authorize</button>
  </form>
</div>
</body>
</html>
`))

func (s *Server) renderLoginForm(w http.ResponseWriter, data loginFormData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := loginFormTmpl.Execute(w, data); err != nil {
		s.log.Error("oauth.form.render.fail", "err", err.Error())
	}
}
