package azuredevops

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// ConnectionParams are the raw inputs of a Connection, plus the names used to
// report a missing one.
type ConnectionParams struct {
	// Side prefixes parameter names in errors ("source" -> "source_org").
	Side    string
	OrgURL  string
	Project string
	PAT     string
	// EnvPrefix, when set, names the env var each value falls back to
	// (e.g. "ADO_SOURCE" -> ADO_SOURCE_ORG_URL, ADO_SOURCE_PROJECT, ADO_SOURCE_PAT).
	EnvPrefix string
}

// Connection binds an organization URL, a project and a personal access token.
// It is immutable once built.
type Connection struct {
	orgURL  string
	project string
	pat     string
}

// NewConnection validates p and builds a Connection. Values are trimmed; an
// empty value fails with a *ConfigError naming the parameter.
func NewConnection(p ConnectionParams) (*Connection, error) {
	orgURL := strings.TrimSpace(p.OrgURL)
	project := strings.TrimSpace(p.Project)
	pat := strings.TrimSpace(p.PAT)

	checks := []struct {
		value, param, env string
	}{
		{orgURL, "org", "ORG_URL"},
		{project, "project", "PROJECT"},
		{pat, "pat", "PAT"},
	}
	for _, c := range checks {
		if c.value != "" {
			continue
		}
		cfgErr := &ConfigError{Param: c.param}
		if p.Side != "" {
			cfgErr.Param = p.Side + "_" + c.param
		}
		if p.EnvPrefix != "" {
			cfgErr.EnvVar = p.EnvPrefix + "_" + c.env
		}
		return nil, cfgErr
	}

	// A bare organization name is expanded to the hosted service URL.
	if !strings.HasPrefix(orgURL, "http://") && !strings.HasPrefix(orgURL, "https://") {
		orgURL = "https://dev.azure.com/" + orgURL
	}

	return &Connection{
		orgURL:  strings.TrimSuffix(orgURL, "/"),
		project: project,
		pat:     pat,
	}, nil
}

// OrgURL returns the organization root without a trailing slash.
func (c *Connection) OrgURL() string { return c.orgURL }

// Project returns the project (workspace) name.
func (c *Connection) Project() string { return c.project }

// AuthHeader returns the Authorization header value: Basic auth with an empty
// username and the PAT as password.
func (c *Connection) AuthHeader() string {
	return BasicAuth(c.pat)
}

// String describes the connection without the secret.
func (c *Connection) String() string {
	return fmt.Sprintf("%s/%s", c.orgURL, c.project)
}

// BasicAuth encodes ":"+secret as an HTTP Basic credential.
func BasicAuth(secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+secret))
}

func (c *Connection) projectPath() string {
	return c.orgURL + "/" + url.PathEscape(c.project)
}

func withAPIVersion(u, version string) string {
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "api-version=" + version
}

// WorkItemURL is the read/update endpoint for one item.
func (c *Connection) WorkItemURL(id int, expandRelations bool) string {
	u := fmt.Sprintf("%s/_apis/wit/workitems/%d", c.projectPath(), id)
	if expandRelations {
		u += "?$expand=relations"
	}
	return withAPIVersion(u, APIVersion)
}

// WorkItemRefURL is the addressable reference used as the url of a relation.
func (c *Connection) WorkItemRefURL(id int) string {
	return fmt.Sprintf("%s/_apis/wit/workItems/%d", c.projectPath(), id)
}

// CreateWorkItemURL is the endpoint creating an item of the given type.
func (c *Connection) CreateWorkItemURL(workItemType string) string {
	return withAPIVersion(fmt.Sprintf("%s/_apis/wit/workitems/$%s", c.projectPath(), url.PathEscape(workItemType)), APIVersion)
}

// BatchURL is the organization-level workitemsbatch endpoint.
func (c *Connection) BatchURL() string {
	return withAPIVersion(c.orgURL+"/_apis/wit/workitemsbatch", APIVersion)
}

// WIQLURL is the query endpoint.
func (c *Connection) WIQLURL() string {
	return withAPIVersion(c.projectPath()+"/_apis/wit/wiql", APIVersion)
}

// WorkItemTypeURL is the endpoint describing a work item type.
func (c *Connection) WorkItemTypeURL(name string) string {
	return withAPIVersion(fmt.Sprintf("%s/_apis/wit/workitemtypes/%s", c.projectPath(), url.PathEscape(name)), APIVersion)
}

// CommentsURL is the comments endpoint of an item.
func (c *Connection) CommentsURL(id int) string {
	return withAPIVersion(fmt.Sprintf("%s/_apis/wit/workItems/%d/comments", c.projectPath(), id), CommentsAPIVersion)
}

// AttachmentsURL is the upload endpoint for a named file.
func (c *Connection) AttachmentsURL(fileName string) string {
	return withAPIVersion(fmt.Sprintf("%s/_apis/wit/attachments?fileName=%s", c.projectPath(), url.QueryEscape(fileName)), APIVersion)
}

// WebURL returns the browser URL of an item.
func (c *Connection) WebURL(id int) string {
	return fmt.Sprintf("%s/_workitems/edit/%d", c.projectPath(), id)
}
