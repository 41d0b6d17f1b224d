// Copyright 2025 The Emissia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moveslab/emissia/pkg/agent"
	"github.com/moveslab/emissia/pkg/llms"
	"github.com/moveslab/emissia/pkg/tools"
)

// TestSessionSerializesTurns checks that concurrent Chat calls on one
// session run one at a time: the model endpoint must never see more
// than one in-flight request for the session.
func TestSessionSerializesTurns(t *testing.T) {
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&maxInFlight)
			if n <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte(`{"choices":[{"message":{"content":"好的"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	factory := func(sessionID, dir string) *agent.Router {
		client := llms.NewLocalClient(srv.URL, "test-model")
		return agent.NewRouter(
			sessionID,
			agent.NewAssembler("You are an emission assistant.", nil, nil),
			agent.NewExecutor(tools.NewRegistry(), nil),
			agent.NewMemory(sessionID, ""),
			client,
			client,
			"",
		)
	}

	m, err := NewManager(t.TempDir(), factory)
	require.NoError(t, err)
	s := m.Create()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Chat(context.Background(), "查一下CO2", "")
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, "好的", resp.Text)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}
