package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kibbled/firmware/internal/recipe"
	"github.com/kibbled/firmware/pkg/config"
)

var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Manage stored recipes",
}

var recipeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored recipes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		recipes := store.List()
		if len(recipes) == 0 {
			fmt.Println("no recipes")
			return nil
		}
		for _, r := range recipes {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			fmt.Printf("%4d  %-24s %6.1fg/day  %d servings  %s\n",
				r.UID, r.Name, r.DailyWeightG, r.Servings, state)
			for _, ing := range r.Ingredients {
				fmt.Printf("      tank %016X  %5.1f%%\n", ing.TankUID, ing.Percentage)
			}
			if r.LastUsed > 0 {
				fmt.Printf("      last used %s\n", time.Unix(r.LastUsed, 0).Format(time.RFC3339))
			}
		}
		return nil
	},
}

var (
	recipeName        string
	recipeDailyWeight float64
	recipeServings    uint16
	recipeIngredients []string
)

var recipeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a recipe",
	Example: `  kibbled recipe create --name "Morning Mix" --daily-weight 200 --servings 2 \
    --ingredient 1122334455667788:70 --ingredient 8877665544332211:30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		r := recipe.Recipe{
			Name:         recipeName,
			DailyWeightG: recipeDailyWeight,
			Servings:     recipeServings,
			Enabled:      true,
		}
		for _, spec := range recipeIngredients {
			ing, err := parseIngredient(spec)
			if err != nil {
				return err
			}
			r.Ingredients = append(r.Ingredients, ing)
		}

		created, err := store.Create(r)
		if err != nil {
			return err
		}
		fmt.Printf("created recipe %d\n", created.UID)
		return nil
	},
}

var recipeDeleteCmd = &cobra.Command{
	Use:   "delete <uid>",
	Short: "Delete a recipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("recipe uid %q: %w", args[0], err)
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Delete(uint32(uid)); err != nil {
			return err
		}
		fmt.Printf("deleted recipe %d\n", uid)
		return nil
	},
}

func init() {
	recipeCreateCmd.Flags().StringVar(&recipeName, "name", "", "recipe name")
	recipeCreateCmd.Flags().Float64Var(&recipeDailyWeight, "daily-weight", 0, "daily ration in grams")
	recipeCreateCmd.Flags().Uint16Var(&recipeServings, "servings", 1, "servings per day")
	recipeCreateCmd.Flags().StringArrayVar(&recipeIngredients, "ingredient", nil, "tankUID:percentage (repeatable)")

	recipeCmd.AddCommand(recipeListCmd)
	recipeCmd.AddCommand(recipeCreateCmd)
	recipeCmd.AddCommand(recipeDeleteCmd)
}

func openStore() (*recipe.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	store := recipe.NewStore(cfg.Recipes.Primary, cfg.Recipes.Backup1, cfg.Recipes.Backup2, nil)
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

// parseIngredient parses "tankUIDhex:percentage".
func parseIngredient(spec string) (recipe.Ingredient, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return recipe.Ingredient{}, fmt.Errorf("ingredient %q is not tankUID:percentage", spec)
	}
	uid, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return recipe.Ingredient{}, fmt.Errorf("ingredient tank uid %q: %w", parts[0], err)
	}
	pct, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return recipe.Ingredient{}, fmt.Errorf("ingredient percentage %q: %w", parts[1], err)
	}
	return recipe.Ingredient{TankUID: uid, Percentage: pct}, nil
}
