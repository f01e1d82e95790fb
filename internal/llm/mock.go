package llm

import "context"

// MockClient is a test double for the LLM Client interface.
// If Responses is set, each call consumes the next entry; otherwise
// every call returns Response.
type MockClient struct {
	Response  *Response
	Responses []*Response
	Err       error
	Calls     []string // records prompts sent
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.Calls = append(m.Calls, prompt)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) > 0 {
		r := m.Responses[0]
		m.Responses = m.Responses[1:]
		return r, nil
	}
	return m.Response, nil
}
