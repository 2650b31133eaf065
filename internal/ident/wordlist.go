package ident

// Short, common, unambiguous words. Passphrases drawn from here are easy
// to read over a phone call; entropy comes from the word count.
var wordlist = []string{
	"acorn", "alley", "amber", "anchor", "apple", "arrow", "aspen",
	"atlas", "badge", "bamboo", "basil", "beach", "berry", "birch",
	"blaze", "bloom", "breeze", "brick", "brook", "cabin", "candle",
	"canyon", "cedar", "chalk", "cherry", "cliff", "clover", "cobalt",
	"comet", "coral", "cove", "crane", "creek", "crystal", "daisy",
	"dawn", "delta", "drift", "dune", "eagle", "ember", "fable",
	"falcon", "feather", "fern", "field", "flint", "forest", "frost",
	"garnet", "geyser", "ginger", "glade", "glow", "grove", "harbor",
	"hazel", "heron", "hollow", "honey", "horizon", "island", "ivory",
	"jade", "juniper", "kelp", "kite", "lagoon", "lantern", "laurel",
	"lava", "lemon", "lilac", "lily", "linen", "lotus", "lunar",
	"maple", "marble", "meadow", "mesa", "mint", "mist", "molten",
	"moss", "myth", "nectar", "north", "nova", "oasis", "ocean",
	"olive", "onyx", "opal", "orbit", "orchid", "osprey", "otter",
	"pearl", "pebble", "pepper", "petal", "pine", "plume", "pond",
	"poppy", "prairie", "prism", "quartz", "quill", "rain", "raven",
	"reef", "ridge", "river", "robin", "rustic", "saffron", "sage",
	"sand", "sapphire", "shadow", "shell", "sierra", "silver", "sky",
	"slate", "snow", "solar", "sparrow", "spring", "spruce", "star",
	"stone", "storm", "summit", "sunset", "swan", "thistle", "thunder",
	"tide", "timber", "topaz", "trail", "tulip", "tundra", "valley",
	"velvet", "violet", "walnut", "wave", "willow", "winter", "wren",
	"zephyr",
}
