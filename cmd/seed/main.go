package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/talkline/talkline/internal/client"
)

var users = []struct {
	email    string
	username string
}{
	{"ada@example.com", "ada"},
	{"grace@example.com", "grace"},
	{"linus@example.com", "linus"},
	{"margaret@example.com", "margaret"},
	{"dennis@example.com", "dennis"},
}

var posts = []string{
	"Just shipped the first version of my side project. Feels good.",
	"Hot take: pagination by page number is fine for most feeds.",
	"Anyone else find that writing the tests first actually saves time?",
	"Reading about token rotation schemes today. Rabbit hole.",
	"Coffee count: 3. Lines of code: 12. Seems about right.",
	"The best refactors are the ones nobody notices.",
	"Finally got my CI pipeline under two minutes.",
	"Today I learned sqlite handles way more load than people think.",
	"Naming things is still the hardest problem. Fight me.",
	"Does anyone actually read release notes?",
}

var replies = []string{
	"Congrats, that's a real milestone!",
	"Strong disagree, cursor pagination or nothing.",
	"Tests first works until the design is still moving.",
	"Link some reading material?",
	"Relatable.",
	"This is the way.",
	"What was the biggest win?",
	"sqlite is criminally underrated.",
	"Naming and cache invalidation, the classics.",
	"I read them. Sometimes.",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Talkline server URL")
	flag.Parse()

	log.Printf("Seeding database at %s...", *baseURL)

	const password = "seed-password"
	var clients []*client.Client
	for _, u := range users {
		c := client.New(*baseURL)
		if err := c.Signup(u.email, password, u.username); err != nil {
			log.Fatalf("signup %s: %v", u.email, err)
		}
		log.Printf("signed up %s", u.username)
		clients = append(clients, c)
	}

	var postIDs []string
	for _, text := range posts {
		idx := rand.Intn(len(clients))
		post, err := clients[idx].CreatePost(text, nil)
		if err != nil {
			log.Printf("failed to post: %v", err)
			continue
		}
		postIDs = append(postIDs, post.ID)
		log.Printf("posted %s (by %s)", post.ID, users[idx].username)

		// Small delay to spread out created_at times
		time.Sleep(50 * time.Millisecond)
	}

	for _, postID := range postIDs {
		numReplies := rand.Intn(3)
		for i := 0; i < numReplies; i++ {
			idx := rand.Intn(len(clients))
			text := replies[rand.Intn(len(replies))]
			if _, err := clients[idx].CreatePost(text, &postID); err != nil {
				log.Printf("failed to reply: %v", err)
			}
		}
	}
	log.Printf("added replies")

	for _, c := range clients {
		voted := make(map[string]bool)
		numVotes := rand.Intn(len(postIDs)) + 1
		for i := 0; i < numVotes; i++ {
			postID := postIDs[rand.Intn(len(postIDs))]
			if voted[postID] {
				continue
			}
			voted[postID] = true

			value := 1
			if rand.Float32() < 0.2 {
				value = -1
			}
			// Ignore conflicts from unchanged votes.
			_ = c.Vote(postID, value)
		}
	}
	log.Printf("added votes")

	// Everyone follows a couple of other users.
	for i, c := range clients {
		for j := range clients {
			if i == j || rand.Float32() > 0.5 {
				continue
			}
			me, err := clients[j].Me()
			if err != nil {
				continue
			}
			if id, ok := me["id"].(float64); ok {
				_ = c.Follow(int64(id))
			}
		}
	}
	log.Printf("added follows")

	// Report a post or two for moderation testing.
	reasons := []string{"spam", "off-topic", "abusive"}
	for i := 0; i < 2 && i < len(postIDs); i++ {
		idx := rand.Intn(len(clients))
		_ = clients[idx].Report(postIDs[i], reasons[rand.Intn(len(reasons))])
	}
	log.Printf("added reports")

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("Users: %d\n", len(users))
	fmt.Printf("Posts: %d\n", len(postIDs))
	fmt.Println("\nAPI at:", *baseURL)
}
