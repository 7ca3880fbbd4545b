package main

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/pmemobj/pkg/pmemobj"
)

// The guessing game keeps its whole state machine in the pool, so an
// interrupted game resumes exactly where it stopped.

const maxGuesses = 6

var guesserClass = &pmemobj.Class{
	Name: "examples.Guesser",
	Init: func(obj *pmemobj.PersistentObject, args ...any) error {
		if len(args) != 2 {
			return fmt.Errorf("Guesser takes (name, maximum), got %d arguments", len(args))
		}
		name, ok := args[0].(string)
		if !ok {
			return errors.New("Guesser name must be a string")
		}
		maximum, ok := args[1].(int64)
		if !ok {
			return errors.New("Guesser maximum must be an integer")
		}
		guesses, err := obj.Pool().NewList()
		if err != nil {
			return err
		}
		for k, v := range map[string]any{
			"name":    name,
			"maximum": maximum,
			"number":  int64(rand.Intn(int(maximum)) + 1),
			"guesses": guesses,
			"lost":    false,
			"done":    false,
		} {
			if err := obj.SetAttr(k, v); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	if err := pmemobj.Register(guesserClass); err != nil {
		panic(err)
	}
}

func newGuessCommand() *cobra.Command {
	var maximum int64

	cmd := &cobra.Command{
		Use:   "guess <pool-file>",
		Short: "Play a persistent number guessing game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openOrCreate(args[0])
			if err != nil {
				return err
			}
			defer pool.Close()

			game, err := loadOrStartGame(cmd, pool, maximum)
			if err != nil {
				return err
			}
			return playGame(cmd, game)
		},
	}

	cmd.Flags().Int64Var(&maximum, "maximum", 50, "upper bound of the secret number")

	return cmd
}

func loadOrStartGame(cmd *cobra.Command, pool *pmemobj.Pool, maximum int64) (*pmemobj.PersistentObject, error) {
	root, err := pool.Root()
	if err != nil {
		return nil, fmt.Errorf("failed to read root: %w", err)
	}
	if game, ok := root.(*pmemobj.PersistentObject); ok {
		done, err := game.Attr("done")
		if err != nil {
			return nil, err
		}
		if done != true {
			fmt.Fprintln(cmd.OutOrStdout(), "Resuming your game.")
			return game, nil
		}
	}

	fmt.Fprint(cmd.OutOrStdout(), "Hello, what is your name? ")
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read name: %w", err)
	}
	name := strings.TrimSpace(line)

	game, err := pool.NewObject(guesserClass.Name, name, maximum)
	if err != nil {
		return nil, fmt.Errorf("failed to start game: %w", err)
	}
	if err := pool.SetRoot(game); err != nil {
		return nil, fmt.Errorf("failed to store game: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s, I've picked a number between 1 and %d.\n",
		name, maximum)
	return game, nil
}

func playGame(cmd *cobra.Command, game *pmemobj.PersistentObject) error {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())
	for {
		done, err := game.Attr("done")
		if err != nil {
			return err
		}
		if done == true {
			break
		}
		fmt.Fprint(out, "Take a guess.\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			// Interrupted; the game resumes on the next run.
			fmt.Fprintln(out)
			return nil
		}
		guess, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
		if err != nil {
			fmt.Fprintln(out, "Please specify an integer.")
			continue
		}
		outcome, err := checkGuess(game, guess)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, outcome)
	}

	lost, err := game.Attr("lost")
	if err != nil {
		return err
	}
	if lost == true {
		number, err := game.Attr("number")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Too many guesses! The number I was thinking of was %v\n", number)
	}
	return nil
}

// checkGuess advances the game state inside one transaction and returns
// the message to show.
func checkGuess(game *pmemobj.PersistentObject, guess int64) (string, error) {
	maximum, err := game.Attr("maximum")
	if err != nil {
		return "", err
	}
	if guess < 1 || guess > maximum.(int64) {
		return fmt.Sprintf("A guess outside of 1..%d won't get you anywhere.", maximum), nil
	}

	outcome := ""
	err = game.Pool().Transaction(func() error {
		guessesAttr, err := game.Attr("guesses")
		if err != nil {
			return err
		}
		guesses := guessesAttr.(*pmemobj.PersistentList)
		seen, err := guesses.Contains(guess)
		if err != nil {
			return err
		}
		if seen {
			outcome = fmt.Sprintf("You already tried %d.", guess)
		}
		if err := guesses.Append(guess); err != nil {
			return err
		}
		number, err := game.Attr("number")
		if err != nil {
			return err
		}
		switch {
		case guess == number.(int64):
			name, err := game.Attr("name")
			if err != nil {
				return err
			}
			outcome = fmt.Sprintf("You guessed my number in %d tries, %v.",
				guesses.Len(), name)
			return game.SetAttr("done", true)
		case guesses.Len() >= maxGuesses:
			if err := game.SetAttr("lost", true); err != nil {
				return err
			}
			return game.SetAttr("done", true)
		case outcome != "":
			return nil
		case guess < number.(int64):
			outcome = "Your guess is too low."
		default:
			outcome = "Your guess is too high."
		}
		return nil
	})
	return outcome, err
}
