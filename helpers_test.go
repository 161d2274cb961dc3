package flowgate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const orderApp = "sales.order"

func orderDocs(ids ...string) DocumentAdapter {
	return DocumentAdapterFunc(func(_ context.Context, id string) (*Document, error) {
		for _, want := range ids {
			if id == want {
				return &Document{
					ID:        id,
					CreatorID: "u1",
					Fields:    map[string]any{"title": "Order " + id, "amount": 250, "approver": "E9"},
				}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	})
}

func orderFlow() *FlowBuilder {
	return New("order-approval", orderApp).
		Title("Order approval").
		Start("draft").
		Approval("manager", "E1").
		Actions("manager", "approve", "reject").
		Complete("done").
		Connect("draft", "manager").
		Connect("manager", "done")
}

func setup(t *testing.T, eng *Coordinator, docIDs ...string) {
	t.Helper()
	require.NoError(t, eng.RegisterApp(orderApp, AppBinding{Adapter: orderDocs(docIDs...), TitleField: "title"}))
	orderFlow().MustRegister(eng)
}

func approveAll(t *testing.T, eng Engine, rt *Runtime, action string) {
	t.Helper()
	as, err := eng.ListAssignees(context.Background(), rt.ID, rt.CurrentSeq)
	require.NoError(t, err)
	require.NotEmpty(t, as)
	for _, a := range as {
		ok, err := RecordApproval(context.Background(), eng, a.ID, a.EmployeeID, action, "")
		require.NoError(t, err)
		require.True(t, ok)
	}
}
