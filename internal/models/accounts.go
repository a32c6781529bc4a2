package models

// CloudAccount is one server-resident account record. Data carries the
// cloud-specific configuration (bucket, subnet, billing codes, resource
// group, ...) opaquely.
type CloudAccount struct {
	Name   string                 `json:"name" badgerhold:"index"`
	Cloud  string                 `json:"cloud" badgerhold:"index"`
	User   string                 `json:"requesting_user" badgerhold:"index"`
	Region string                 `json:"region,omitempty"`
	Group  string                 `json:"group,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// AccountsInfo maps logical account names to their resolved configuration,
// assembled from user-submitted cloud_accounts plus stored records.
type AccountsInfo map[string]CloudAccount

// CredentialsBundle maps account names to opaque secret bundles. Fetched
// once per stage execution, held in memory for the duration of the run,
// never persisted.
type CredentialsBundle map[string]map[string]string

// CredentialsRequest is the broker RPC request a stage handler sends to the
// credentials service.
type CredentialsRequest struct {
	ID             string   `json:"id"`
	Cloud          string   `json:"cloud"`
	Accounts       []string `json:"accounts"`
	RequestingUser string   `json:"requesting_user"`
}

// CredentialsResponse is the credentials service reply, correlated by id.
type CredentialsResponse struct {
	ID          string            `json:"id"`
	Credentials CredentialsBundle `json:"credentials,omitempty"`
	Error       string            `json:"error,omitempty"`
}
