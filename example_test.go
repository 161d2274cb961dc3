package flowgate_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/flowgate"
)

// Example_approvalFlow attaches a one-approver flow to sales orders and
// walks an order through it with an inline (queue-less) engine.
func Example_approvalFlow() {
	ctx := context.Background()
	eng := flowgate.NewInMemoryEngine(flowgate.Options{})

	orders := flowgate.DocumentAdapterFunc(func(ctx context.Context, id string) (*flowgate.Document, error) {
		return &flowgate.Document{ID: id, CreatorID: "alice", Fields: map[string]any{"amount": 1200}}, nil
	})
	if err := eng.RegisterApp("sales.order", flowgate.AppBinding{Adapter: orders}); err != nil {
		log.Fatal(err)
	}

	flowgate.New("order-approval", "sales.order").
		Start("draft").
		Approval("manager", "bob").
		Complete("done").
		Connect("draft", "manager").
		Connect("manager", "done").
		MustRegister(eng)

	rt, err := flowgate.SubmitDocument(ctx, eng, "sales.order", "SO-42", "alice")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("after submit:", rt.State)

	assignees, err := eng.ListAssignees(ctx, rt.ID, rt.CurrentSeq)
	if err != nil {
		log.Fatal(err)
	}
	for _, a := range assignees {
		fmt.Println("waiting for:", a.EmployeeID)
		if _, err := flowgate.RecordApproval(ctx, eng, a.ID, a.EmployeeID, "approve", "ok"); err != nil {
			log.Fatal(err)
		}
	}

	rt, err = flowgate.GetRuntime(ctx, eng, rt.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("after approval:", rt.State)

	// Output:
	// after submit: IN_PROGRESS
	// waiting for: bob
	// after approval: COMPLETED
}
