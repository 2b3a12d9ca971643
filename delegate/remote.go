package delegate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Request is the explicit shape of a remote call carried in a process
// variable: a target url plus string payload fields. It is decoded
// structurally, never by field-name introspection.
type Request struct {
	URL     string            `json:"url"`
	Payload map[string]string `json:"payload"`
}

// ParseRequest decodes a request from the raw variable value.
func ParseRequest(raw string) (*Request, error) {
	req := &Request{}
	if err := json.Unmarshal([]byte(raw), req); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, errors.New("request url is empty")
	}
	req.URL = addURLScheme(req.URL)
	return req, nil
}

func addURLScheme(s string) string {
	if strings.HasPrefix(s, "https://") {
		s = strings.Replace(s, "https://", "http://", 1)
		return s
	} else if !strings.HasPrefix(s, "http://") {
		return "http://" + s
	}
	return s
}

// Caller posts requests to remote services and classifies the
// response: 4xx is a recognized business fault the workflow branches
// on, transport errors and 5xx are technical failures.
type Caller struct {
	client *http.Client
	log    *log.Entry
}

func NewCaller(logger *log.Logger) *Caller {
	return &Caller{
		client: &http.Client{Timeout: 5 * time.Second},
		log:    logger.WithField("component", "caller"),
	}
}

func (c *Caller) Call(req *Request) Verdict {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Technical(err)
	}

	resp, err := c.client.Post(req.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return Technical(err)
	}
	defer resp.Body.Close()
	io.Copy(ioutil.Discard, resp.Body)

	c.log.Infof("Remote call %s returned %d", req.URL, resp.StatusCode)
	switch {
	case resp.StatusCode >= 500:
		return Technical(fmt.Errorf("remote returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return Business(&Fault{Code: resp.StatusCode, Reason: fmt.Sprintf("remote returned %d", resp.StatusCode)})
	}
	return OK()
}
