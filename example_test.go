package knugget_test

import (
	"context"
	"fmt"
	"log"

	knugget "github.com/mrinal-mann/Knugget-new"
	"github.com/mrinal-mann/Knugget-new/api"
	"github.com/mrinal-mann/Knugget-new/bus"
)

const signinResponse = `{"success":true,"data":{
	"accessToken":"tok-1",
	"user":{"id":"u1","name":"Ada","email":"ada@example.com","credits":5,"plan":"premium"},
	"expiresAt":4102444800000}}`

// Example assembles a client against a scripted backend, signs in and
// reads the cached session.
func Example() {
	client, err := knugget.New(knugget.Config{
		BaseURL:    "https://backend.example.com/api",
		HTTPClient: api.NewMockHTTPClient(api.MockResponse{StatusCode: 200, Body: signinResponse}),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	user, err := client.Login(context.Background(), "ada@example.com", "secret")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("signed in as %s (%d credits)\n", user.Name, user.Credits)

	if cached, ok := client.CurrentUser(); ok {
		fmt.Printf("session cached for %s\n", cached.Email)
	}
	// Output:
	// signed in as Ada (5 credits)
	// session cached for ada@example.com
}

// ExampleClient_Events subscribes to the session event stream and
// observes the login and logout transitions.
func ExampleClient_Events() {
	client, err := knugget.New(knugget.Config{
		BaseURL: "https://backend.example.com/api",
		HTTPClient: api.NewMockHTTPClient(
			api.MockResponse{StatusCode: 200, Body: signinResponse},
			api.MockResponse{StatusCode: 200, Body: `{"success":true,"data":{}}`},
		),
	})
	if err != nil {
		log.Fatal(err)
	}

	sub := client.Events()
	done := bus.Drain(sub, func(event bus.Event) {
		fmt.Println(event.Kind)
	})

	ctx := context.Background()
	if _, err := client.Login(ctx, "ada@example.com", "secret"); err != nil {
		log.Fatal(err)
	}
	client.Logout(ctx)

	// Closing the client closes the bus; the drain finishes once the
	// buffered events are handled.
	_ = client.Close()
	<-done
	// Output:
	// auth.changed
	// auth.logout
}
