package backend

// NewPoolWithClients builds a Pool directly from pre-constructed clients,
// bypassing AWS config loading. Used by other packages' tests to exercise
// the pool and client operations against a fake API.
func NewPoolWithClients(clients map[string]*Client) (*Pool, error) {
	p := &Pool{clients: make(map[string]*Client, len(clients))}
	for name, c := range clients {
		p.clients[name] = c
	}
	return p, nil
}

// NewClientForTest builds a Client around a caller-supplied API
// implementation, skipping the network-backed construction path.
func NewClientForTest(bindingName, bucket string, api API) *Client {
	return &Client{BindingName: bindingName, Bucket: bucket, api: api}
}
